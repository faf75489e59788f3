package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jd3nn1s/skimmer"
	"github.com/jd3nn1s/skimmer/config"
	"github.com/jd3nn1s/skimmer/forwarder"
	"github.com/jd3nn1s/skimmer/journal"
	"github.com/jd3nn1s/skimmer/statusapi"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type options struct {
	testMode       bool
	printDecisions bool
	out            io.Writer
}

// simStart is where the simulated boat is launched when no position goal
// says otherwise.
var simStart = skimmer.PositionFix{Latitude: 51.5007, Longitude: -0.1246}

// run wires the sensors, navigator, dispatcher, journal and status server
// and blocks until ctx is done.
func run(ctx context.Context, cfg *config.File, o options) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	runID := journal.NewRunID()
	log.WithField("run_id", runID).Info("starting skimmer")

	goal, err := cfg.GoalValue()
	if err != nil {
		return err
	}

	agg := skimmer.NewAggregator(cfg.AggregatorConfig())
	var transport skimmer.Transport
	if o.testMode {
		start := simStart
		if goal.Mode == skimmer.GoalPosition {
			// a little south of the target so there is somewhere to go
			start = skimmer.PositionFix{Latitude: goal.Target.Latitude - 0.0005, Longitude: goal.Target.Longitude}
		}
		sim := skimmer.NewSimulator(start)
		if err := register(agg, cfg, sim.Fetchers()); err != nil {
			return err
		}
		transport = forwarder.NewLoopback(sim.Command)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sim.Run(ctx, cfg.Navigation.Tick.Duration)
		}()
	} else {
		fetchers, runners, err := buildFetchers(cfg, &http.Client{})
		if err != nil {
			return err
		}
		if err := register(agg, cfg, fetchers); err != nil {
			return err
		}
		for _, r := range runners {
			wg.Add(1)
			go func(r func(context.Context)) {
				defer wg.Done()
				r(ctx)
			}(r)
		}
		if transport, err = buildTransport(cfg.Motor); err != nil {
			return err
		}
	}

	disp := skimmer.NewDispatcher(cfg.DispatchConfig(), transport)
	defer func() {
		if err := disp.Close(); err != nil {
			log.WithField("err", err).Warn("unable to close motor transport")
		}
	}()

	nav := skimmer.NewNavigator(cfg.NavigatorConfig(), agg, disp, runID)
	if err := nav.SetGoal(goal); err != nil {
		return err
	}

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path, runID, cfg.Journal.Buffer, time.Now())
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				log.WithField("err", err).Warn("unable to close journal")
			}
			if n := j.Dropped(); n > 0 {
				log.WithField("dropped", n).Warn("journal entries were dropped")
			}
		}()
		nav.AddObserver(j)
	}
	if o.printDecisions {
		nav.AddObserver(printer(o.out))
	}

	if cfg.Status.Listen != "" {
		srv := statusapi.New(nav, cfg.Status.PushInterval.Duration)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(ctx, cfg.Status.Listen); err != nil && !errors.Is(err, context.Canceled) {
				log.WithField("err", err).Error("status server stopped")
			}
		}()
	}

	agg.Start(ctx)
	err = nav.Run(ctx)
	cancel()
	agg.Wait()
	return err
}

func printer(out io.Writer) skimmer.Observer {
	return skimmer.ObserverFunc(func(v skimmer.TickView) {
		d := v.Decision
		fmt.Fprintf(out, "%s tick=%d mode=%s heading=%.1f speed=%.2f reason=%s seq=%d\n",
			v.Time.Format(time.RFC3339Nano), v.Tick, v.Mode, d.Heading, d.Speed, d.Reason, v.Envelope.Seq)
	})
}

// register adds each fetcher with the poll settings of the source it owns.
func register(agg *skimmer.Aggregator, cfg *config.File, fetchers []skimmer.Fetcher) error {
	for _, f := range fetchers {
		src, err := sourceConfig(cfg, f.Sources())
		if err != nil {
			return errors.Wrap(err, f.Name())
		}
		if err := agg.Register(f, src.PollConfig()); err != nil {
			return err
		}
	}
	return nil
}

func sourceConfig(cfg *config.File, ids []skimmer.SourceID) (config.Source, error) {
	if len(ids) == 0 {
		return config.Source{}, errors.New("fetcher owns no sources")
	}
	switch id := ids[0]; {
	case id == skimmer.SourceCompass:
		return cfg.Sources.Compass, nil
	case id == skimmer.SourceGPS:
		return cfg.Sources.GPS, nil
	case id == skimmer.SourceWaste:
		return cfg.Sources.Waste, nil
	default:
		if _, ok := id.UltrasonicIndex(); ok {
			return cfg.Sources.Ultrasonic, nil
		}
		return config.Source{}, errors.Errorf("no configuration for source %s", id)
	}
}
