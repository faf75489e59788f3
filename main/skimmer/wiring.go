package main

import (
	"context"

	"github.com/jd3nn1s/skimmer"
	"github.com/jd3nn1s/skimmer/config"
	"github.com/jd3nn1s/skimmer/forwarder"
	"github.com/jd3nn1s/skimmer/sensors"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// buildFetchers creates a fetcher per configured sensor source. Sources that
// keep a device open also return a runner that must be started.
func buildFetchers(cfg *config.File, client sensors.HTTPClient) ([]skimmer.Fetcher, []func(context.Context), error) {
	s := cfg.Sources
	var fetchers []skimmer.Fetcher
	var runners []func(context.Context)

	fetchers = append(fetchers, sensors.NewCompass(client, s.Compass.URL))

	switch s.GPS.Kind {
	case "skytraq":
		gps := sensors.NewSkyTraq(s.GPS.Device)
		fetchers = append(fetchers, gps)
		runners = append(runners, gps.Run)
	default:
		fetchers = append(fetchers, sensors.NewGPS(client, s.GPS.URL))
	}

	ultrasonic, err := sensors.NewUltrasonic(client, s.Ultrasonic.URL, s.Ultrasonic.Keys, s.Ultrasonic.Scale)
	if err != nil {
		return nil, nil, err
	}
	fetchers = append(fetchers, ultrasonic)

	waste := sensors.NewWaste(client, s.Waste.URL)
	waste.LegacyOffset = s.Waste.LegacyOffset
	waste.LegacyConfidence = s.Waste.LegacyConfidence
	fetchers = append(fetchers, waste)

	return fetchers, runners, nil
}

func serialConfig(m config.Motor) forwarder.SerialConfig {
	return forwarder.SerialConfig{
		Device:   m.Serial.Device,
		BaudRate: m.Serial.Baud,
		DataBits: m.Serial.DataBits,
		StopBits: m.Serial.StopBits,
		Parity:   m.Serial.Parity,
	}
}

// buildTransport opens the motor controller link named by m.Transport.
func buildTransport(m config.Motor) (skimmer.Transport, error) {
	switch m.Transport {
	case "udp":
		if m.UDP.ConfigFile != "" {
			return forwarder.NewUDPTransport(m.UDP.ConfigFile)
		}
		return forwarder.NewUDPTransportFromConfig(forwarder.UDPConfig{Server: m.UDP.Server, Port: m.UDP.Port})
	case "serial":
		return forwarder.NewSerialTransport(serialConfig(m))
	case "http":
		return forwarder.NewHTTPTransport(m.HTTP.URL, nil), nil
	case "can":
		return forwarder.NewCANTransport(m.CAN.Interface), nil
	case "loopback":
		return forwarder.NewLoopback(nil), nil
	case "fallback":
		wifi := forwarder.NewHTTPTransport(m.HTTP.URL, nil)
		usb, err := forwarder.NewSerialTransport(serialConfig(m))
		if err != nil {
			log.WithField("err", err).Warn("serial motor link unavailable, using wifi only")
			return forwarder.NewFallback(nil, wifi), nil
		}
		return forwarder.NewFallback(usb, wifi), nil
	}
	return nil, errors.Errorf("unknown motor transport %q", m.Transport)
}
