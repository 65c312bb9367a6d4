package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/itiky/parcel-sync/bus"
	"github.com/itiky/parcel-sync/model"
	"github.com/itiky/parcel-sync/service/engine"
)

const (
	FlagSearch      = "search"
	FlagFilter      = "filter"
	FlagShowMax     = "show-max"
	FlagMetricsAddr = "metrics-addr"
)

// GetWatchCmd returns the live view watch command.
func GetWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "watch [incidents|shipments|notifications]",
		Short:     "Keep a live view of the entity and print its updates",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"incidents", "shipments", "notifications"},
		Run: func(cmd *cobra.Command, args []string) {
			// Parse inputs
			search, err := cmd.Flags().GetString(FlagSearch)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagSearch, err)
			}
			filters, err := cmd.Flags().GetStringSlice(FlagFilter)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagFilter, err)
			}
			showMax, err := cmd.Flags().GetInt(FlagShowMax)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagShowMax, err)
			}
			metricsAddr, err := cmd.Flags().GetString(FlagMetricsAddr)
			if err != nil {
				log.Fatalf("%s flag: %v", FlagMetricsAddr, err)
			}

			patch := model.ViewStatePatch{
				SearchText: &search,
				Equals:     make(map[string]string, len(filters)),
			}
			for _, filter := range filters {
				name, value, ok := strings.Cut(filter, "=")
				if !ok {
					log.Fatalf("%s flag: %q: name=value expected", FlagFilter, filter)
				}
				patch.Equals[strings.TrimSpace(name)] = strings.TrimSpace(value)
			}

			a := openApp(cmd)
			defer a.close()

			if metricsAddr != "" {
				serveMetrics(metricsAddr, a.logger)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			// Work
			switch args[0] {
			case "incidents":
				err = watch(ctx, a, model.Incidents, a.incidents, a.echoes.Incidents, patch, showMax)
			case "shipments":
				err = watch(ctx, a, model.Shipments, a.shipments, a.echoes.Shipments, patch, showMax)
			case "notifications":
				err = watch(ctx, a, model.Notifications, a.notifications, a.echoes.Notifications, patch, showMax)
			default:
				log.Fatalf("unknown entity: %s", args[0])
			}
			if err != nil {
				log.Fatalf("watch %s: %v", args[0], err)
			}
		},
	}
	cmd.Flags().String(FlagSearch, "", "(optional) free text search")
	cmd.Flags().StringSlice(FlagFilter, nil, "(optional) structured filter (name=value), repeatable")
	cmd.Flags().Int(FlagShowMax, 10, "(optional) number of view rows printed on update")
	cmd.Flags().String(FlagMetricsAddr, "", "(optional) Prometheus metrics listen address (e.g. :9102)")

	return cmd
}

// watch runs the engine until ctx is done: activate, load, print every view update.
func watch[K model.Key, V model.Record[K]](
	ctx context.Context,
	a *app,
	entity model.Entity[K, V],
	remote model.RemoteStore[K, V],
	echoBus *bus.Bus[model.ChangeEvent[K, V]],
	patch model.ViewStatePatch,
	showMax int,
) error {

	eng, err := engine.New(entity, remote, echoBus, a.session,
		engine.WithLogger(a.logger),
		engine.WithQueueSize(a.cfg.Engine.QueueSize),
		engine.WithHistorySize(a.cfg.Engine.HistorySize),
		engine.WithMonitorPeriod(a.cfg.Engine.MonitorPeriod),
	)
	if err != nil {
		return fmt.Errorf("engine.New: %w", err)
	}

	updatesCh := make(chan engine.ViewUpdate, 16)
	unsubscribe := eng.Subscribe(func(u engine.ViewUpdate) {
		select {
		case updatesCh <- u:
		default:
		}
	})
	defer unsubscribe()

	if err := eng.Activate(ctx); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	defer eng.Deactivate()

	if err := eng.SetFilter(patch); err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	if err := eng.LoadOnce(ctx); err != nil {
		// The view stays usable with the live changes
		a.logger.Warn("initial load failed", "entity", entity.Name, "error", err)
	}
	printView(entity, eng.CurrentView(), showMax)

	resubscribeTicker := time.NewTicker(5 * time.Second)
	defer resubscribeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-updatesCh:
			a.logger.Info("view updated", "entity", u.Entity, "version", u.Version, "ops", len(u.Operations))
			printView(entity, eng.CurrentView(), showMax)
		case n := <-eng.Notices():
			a.logger.Warn("engine notice", "notice", n.String())
		case <-resubscribeTicker.C:
			// No-op unless the change stream has terminated
			if err := eng.Activate(ctx); err != nil {
				a.logger.Warn("reactivate", "entity", entity.Name, "error", err)
			}
		}
	}
}

func printView[K model.Key, V model.Record[K]](entity model.Entity[K, V], view []V, showMax int) {
	fmt.Printf("%s: %d records\n", entity.Name, len(view))
	for i, v := range view {
		if i >= showMax {
			fmt.Printf("  ... %d more\n", len(view)-showMax)
			break
		}
		fmt.Printf("  %-24s %s  %s\n",
			model.KeyString(v.GetKey()),
			v.GetTimestamp().Local().Format(time.DateTime),
			strings.Join(entity.SearchFields(v), " | "),
		)
	}
}

// serveMetrics starts the Prometheus metrics HTTP endpoint.
func serveMetrics(addr string, logger *slog.Logger) {
	reg := prometheus.NewRegistry()
	if err := engine.RegisterMetrics(reg); err != nil {
		log.Fatalf("metrics registration: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "addr", addr, "error", err)
		}
	}()
	logger.Info("metrics served", "addr", addr)
}

func init() {
	rootCmd.AddCommand(GetWatchCmd())
}
