// pvdisplayctl is a small CLI that exercises the core provider/consumer
// handshake end to end over the in-process loopback transport. It has no
// real hypervisor or guest to talk to, so it runs both peers in the same
// process and prints the negotiated display list once SET_DISPLAY lands.
package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/troyc/pv-display-helper/pkg/backend"
	"github.com/troyc/pv-display-helper/pkg/consumer"
	"github.com/troyc/pv-display-helper/pkg/ivc"
	"github.com/troyc/pv-display-helper/pkg/ivc/loopback"
	"github.com/troyc/pv-display-helper/pkg/provider"
	"github.com/troyc/pv-display-helper/pkg/pvconfig"
	"github.com/troyc/pv-display-helper/pkg/wire"
)

var (
	logLevel    string
	displayKey  uint32
	width       uint32
	height      uint32
	waitTimeout time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pvdisplayctl",
		Short: "Paravirtualized display transport demo",
		Long: `pvdisplayctl drives a provider and a consumer through the full
negotiation handshake (capabilities, display list, add-display, four-channel
connect, set-display) over an in-process loopback transport, then prints
what the consumer observed.`,
	}

	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a provider+consumer handshake and print the result",
		RunE:  runDemo,
	}
	demoCmd.Flags().Uint32Var(&displayKey, "key", 1, "display key to negotiate")
	demoCmd.Flags().Uint32Var(&width, "width", 1920, "framebuffer width")
	demoCmd.Flags().Uint32Var(&height, "height", 1080, "framebuffer height")
	demoCmd.Flags().DurationVar(&waitTimeout, "timeout", 5*time.Second, "time to wait for negotiation to settle")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(demoCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("pvdisplayctl failed")
	}
}

func runDemo(cmd *cobra.Command, args []string) error {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	transport := loopback.New(log.Logger)
	cfg := pvconfig.Default()

	const domain ivc.DomainID = 1
	stride := width * 4

	settled := make(chan wire.DisplayInfo, 1)
	setDisplay := make(chan struct{ w, h, stride uint32 }, 1)

	cons, err := consumer.Listen(transport, domain, ivc.Port(cfg.ControlPort), consumer.Handlers{
		OnDriverCapabilities: func(caps wire.DriverCapabilities) {
			log.Info().Uint32("max_displays", caps.MaxDisplays).Uint32("flags", caps.Flags).Msg("received driver capabilities")
		},
		OnFatal: func(err error) {
			log.Error().Err(err).Msg("consumer fatal error")
		},
	}, log.Logger)
	if err != nil {
		return err
	}
	defer cons.Destroy()

	prov, err := provider.Create(ctx, transport, domain, ivc.Port(cfg.ControlPort), cfg, provider.Handlers{
		OnHostDisplayList: func(infos []wire.DisplayInfo) {
			for _, info := range infos {
				settled <- info
			}
		},
		OnFatal: func(err error) {
			log.Error().Err(err).Msg("provider fatal error")
		},
	}, log.Logger)
	if err != nil {
		return err
	}
	defer prov.Destroy()

	if err := prov.AdvertiseCapabilities(4, wire.CapResize|wire.CapHotplug); err != nil {
		return err
	}

	if err := cons.SendDisplayList([]wire.DisplayInfo{
		{Key: displayKey, Width: width, Height: height},
	}); err != nil {
		return err
	}

	var info wire.DisplayInfo
	select {
	case info = <-settled:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := prov.AdvertiseDisplays([]wire.DisplayInfo{info}); err != nil {
		return err
	}

	req := wire.AddDisplayRequest{
		Key:                 info.Key,
		EventPort:           2000,
		FramebufferPort:     2001,
		DirtyRectanglesPort: 2002,
		CursorBitmapPort:    2003,
	}

	be, err := cons.AddDisplay(ctx, req)
	if err != nil {
		return err
	}
	be.RegisterHandlers(backend.EventHandlers{
		OnSetDisplay: func(v wire.SetDisplay) {
			setDisplay <- struct{ w, h, stride uint32 }{v.Width, v.Height, v.Stride}
		},
	})

	d, err := prov.CreateDisplay(ctx, req, width, height, stride, nil)
	if err != nil {
		return err
	}

	if err := prov.SendSetDisplay(d, width, height, stride); err != nil {
		return err
	}

	select {
	case got := <-setDisplay:
		log.Info().
			Uint32("key", info.Key).
			Uint32("width", got.w).
			Uint32("height", got.h).
			Uint32("stride", got.stride).
			Msg("negotiation complete")
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}
