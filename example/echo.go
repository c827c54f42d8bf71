package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/duplex"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("echo failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("duplex")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "echo",
		Short:         "Duplex session echo server and client",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelInfo
			if v.GetBool("verbose") {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
				Level:      level,
				TimeFormat: time.Kitchen,
			})))
		},
	}

	root.PersistentFlags().String("addr", "127.0.0.1:12345", "server address")
	root.PersistentFlags().Duration("timeout", 10*time.Second, "send/receive timeout")
	root.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	_ = v.BindPFlags(root.PersistentFlags())

	root.AddCommand(newServeCmd(v), newSendCmd(v))
	return root
}

func channelOptions(v *viper.Viper) []duplex.Option {
	timeout := v.GetDuration("timeout")
	return []duplex.Option{
		duplex.CodecOption(duplex.RawCodec{}),
		duplex.SendTimeoutOption(timeout),
		duplex.ReceiveTimeoutOption(timeout),
		duplex.CloseTimeoutOption(timeout),
	}
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Echo every message back until the peer ends its session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr, err := net.ResolveTCPAddr("tcp", v.GetString("addr"))
			if err != nil {
				return err
			}

			metrics, err := duplex.NewMetrics(prometheus.DefaultRegisterer)
			if err != nil {
				return err
			}

			opts := append(channelOptions(v), duplex.MetricsOption(metrics))
			server, err := duplex.New(addr, duplex.ServerChannelOption(opts...))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := server.Serve(ctx, duplex.HandlerFunc(echo)); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

// echo returns every message to the sender and closes once the peer is done.
func echo(ctx context.Context, ch *duplex.Channel) {
	log := slog.With("session", ch.Session().ID(), "remote", ch.RemoteAddr())
	for {
		msg, err := ch.Receive(ctx)
		if err != nil {
			log.Warn("receive failed", "error", err)
			return
		}
		if msg == nil {
			break
		}
		if err := ch.Send(ctx, msg); err != nil {
			log.Warn("send failed", "error", err)
			return
		}
	}
	if err := ch.Close(ctx); err != nil {
		log.Warn("close failed", "error", err)
	}
}

func newSendCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "send MESSAGE...",
		Short: "Send messages in one session and print the echoes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ch, err := duplex.Dial(ctx, v.GetString("addr"), nil, channelOptions(v)...)
			if err != nil {
				return err
			}
			defer ch.Abort()

			group, gctx := errgroup.WithContext(ctx)
			group.Go(func() error {
				for {
					msg, err := ch.Receive(gctx)
					if err != nil || msg == nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), string(msg.Body()))
				}
			})
			group.Go(func() error {
				for _, arg := range args {
					if err := ch.Send(gctx, duplex.BytesMessage(arg)); err != nil {
						return err
					}
				}
				return ch.CloseOutputSession(gctx)
			})
			if err := group.Wait(); err != nil {
				return err
			}
			return ch.Close(ctx)
		},
	}
}
