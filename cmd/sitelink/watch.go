package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	sitelink "github.com/sitelink-hq/sitelink/sdk/golang"
)

var watchMetricsAddr string

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream realtime notifications",
	Long: "Connect the realtime channel with the stored session and print notifications as they arrive.\n" +
		"If push.app and push.device_token are configured the device token is registered at startup.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := requireClient()
		if err != nil {
			return err
		}
		logger := cliLogger(cfg)

		reg := prometheus.NewRegistry()
		opts := append(cfg.ClientOptions(),
			sitelink.WithLogger(logger),
			sitelink.WithMetrics(sitelink.NewMetrics(reg)),
		)
		client := sitelink.NewClient(sitelink.NewSession(cfg.Auth.Token), opts...)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if watchMetricsAddr != "" {
			srv := &http.Server{
				Addr:              watchMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Msg("metrics server failed")
				}
			}()
			defer srv.Close()
			logger.Info().Str("addr", watchMetricsAddr).Msg("serving metrics")
		}

		rtOpts := sitelink.RuntimeOptions{
			Realtime: cfg.RealtimeConfig(),
			Cache:    sitelink.CacheOptions{StaleTime: cfg.Cache.StaleTime},
			OnNotification: func(ev sitelink.NotificationEvent) {
				line := dimStyle.Render(ev.ReceivedAt.Format(time.TimeOnly)) + " " + kindStyle.Render(ev.Kind)
				if len(ev.Payload) > 0 {
					line += " " + string(ev.Payload)
				}
				fmt.Println(line)
			},
		}
		if cfg.Push.App != "" && cfg.Push.DeviceToken != "" {
			rtOpts.App = sitelink.App(cfg.Push.App)
			rtOpts.Platform = cfg.Push.Platform
			rtOpts.DeviceTokens = sitelink.StaticDeviceToken(cfg.Push.DeviceToken)
			rtOpts.PushTimeout = cfg.Push.Timeout
			rtOpts.OnRegistration = func(r sitelink.RegistrationResult) {
				if r.OK() {
					fmt.Println(okStyle.Render(fmt.Sprintf("push token registered (%s)", r.Trigger)))
				} else {
					fmt.Println(errorStyle.Render(fmt.Sprintf("push token registration failed: %v", r.Err)))
				}
			}
		}

		rt := sitelink.NewRuntime(client, rtOpts)
		rt.Channel.OnStateChange(func(s sitelink.RealtimeState) {
			fmt.Println(dimStyle.Render("realtime: " + string(s)))
		})
		rt.Start(ctx)
		defer rt.Close()

		list, err := rt.Notifications(ctx)
		if err != nil {
			if errors.Is(err, sitelink.ErrUnauthorized) {
				return fmt.Errorf("session rejected; run 'sitelink login' again")
			}
			return fmt.Errorf("failed to load notifications: %w", err)
		}
		fmt.Println(headerStyle.Render(fmt.Sprintf("%d notifications, %d unread. Waiting for more (Ctrl-C to stop)...", len(list.Items), list.Unread)))

		<-ctx.Done()
		fmt.Println()
		return nil
	},
}
