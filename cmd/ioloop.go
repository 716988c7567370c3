package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"ioloop"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configFilePath string
	logLevel       string
	config         *ioloop.Config
)

func main() {
	command := &cobra.Command{
		Use:           "ioloop",
		Short:         "single threaded event loop toolbox",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}
	command.PersistentFlags().StringVarP(&configFilePath, "config", "c", "", "path to configuration file (toml or yaml).")
	command.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level, overrides the configuration file.")

	var family string
	resolve := &cobra.Command{
		Use:   "resolve HOST...",
		Short: "resolve host names on the loop",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(args, family)
		},
	}
	resolve.Flags().StringVarP(&family, "family", "f", "inet", "address family: inet or inet6.")

	send := &cobra.Command{
		Use:   "send ADDR MSG...",
		Short: "connect, write every MSG as one scatter write and print the reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(args[0], args[1:])
		},
	}

	echo := &cobra.Command{
		Use:   "echo ADDR",
		Short: "run an echo server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEcho(args[0])
		},
	}

	relay := &cobra.Command{
		Use:   "relay [LISTEN TARGET...]",
		Short: "pipe accepted connections to targets balanced by client address",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return errors.New("relay needs at least one target")
			}
			if len(args) > 1 {
				config.Relay.Listen, config.Relay.Targets = args[0], args[1:]
			}
			return runRelay(config.Relay)
		},
	}

	command.AddCommand(resolve, send, echo, relay)
	if err := command.Execute(); err != nil {
		log.Error().Msgf("%+v", err)
		os.Exit(1)
	}
}

func initConfig() error {
	var err error
	if configFilePath == "" {
		config = ioloop.DefaultConfig()
	} else if config, err = ioloop.LoadConfig(configFilePath); err != nil {
		return err
	}
	if logLevel != "" {
		config.Global.LogLevel = logLevel
	}
	return initLog(config)
}

func initLog(config *ioloop.Config) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: zerolog.TimeFormatUnix})
	level, err := zerolog.ParseLevel(config.Global.LogLevel)
	if err != nil {
		return errors.Wrapf(err, "log level %q", config.Global.LogLevel)
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

func newLoop() (*ioloop.Loop, error) {
	loop, err := ioloop.NewLoop(config.Loop)
	if err != nil {
		return nil, err
	}
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		log.Info().Msg("stopping event loop...")
		loop.Stop()
	}()
	return loop, nil
}

func runResolve(hosts []string, familyName string) error {
	var family ioloop.Family
	switch familyName {
	case "inet", "4":
		family = ioloop.FamilyInet
	case "inet6", "6":
		family = ioloop.FamilyInet6
	default:
		return errors.Errorf("unknown family %q", familyName)
	}
	loop, err := newLoop()
	if err != nil {
		return err
	}
	defer loop.Close()
	resolver, err := ioloop.NewResolver(loop, config.Resolver)
	if err != nil {
		return err
	}
	failed := 0
	for _, host := range hosts {
		host := host
		err = resolver.GetHostByName(host, family, func(status ioloop.Status, timeouts int, ent *ioloop.HostEnt) {
			if status != ioloop.StatusSuccess {
				failed++
				fmt.Printf("%s: %s (%d timeouts)\n", host, status, timeouts)
				return
			}
			addrs := make([]string, 0, len(ent.Addrs))
			for _, ip := range ent.Addrs {
				addrs = append(addrs, ip.String())
			}
			fmt.Printf("%s: %s %s", host, ent.Name, strings.Join(addrs, " "))
			if len(ent.Aliases) > 0 {
				fmt.Printf(" aliases: %s", strings.Join(ent.Aliases, " "))
			}
			fmt.Println()
		})
		if err != nil {
			return err
		}
	}
	if err = loop.Run(); err != nil {
		return err
	}
	if failed > 0 {
		return errors.Errorf("%d of %d lookups failed", failed, len(hosts))
	}
	return nil
}

func runSend(address string, messages []string) error {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return err
	}
	loop, err := newLoop()
	if err != nil {
		return err
	}
	defer loop.Close()
	var result error
	conn, _, err := loop.Dial(addr, ioloop.ConnectFunc(func(req *ioloop.ConnectRequest, err error) {
		if err != nil {
			result = err
		}
	}))
	if err != nil {
		return err
	}
	bufs := make([]ioloop.Buf, 0, len(messages))
	for _, msg := range messages {
		bufs = append(bufs, ioloop.Buf(msg))
	}
	_, err = conn.Write(bufs, ioloop.WriteFunc(func(b *ioloop.WriteBucket, err error) {
		if err != nil && !errors.Is(err, ioloop.ErrCancelled) {
			result = err
			b.Handle().Close(nil)
			return
		}
		log.Info().Msgf("sent %d bytes to %s", b.Written(), address)
	}))
	if err != nil {
		return err
	}
	err = conn.SetReadHandler(ioloop.ReadFunc(func(h *ioloop.Handle, data []byte, err error) {
		switch {
		case err == nil:
			os.Stdout.Write(data)
		case errors.Is(err, io.EOF):
		default:
			result = err
		}
		h.Close(nil)
	}))
	if err != nil {
		return err
	}
	if err = loop.Run(); err != nil {
		return err
	}
	return result
}

func runEcho(address string) error {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return err
	}
	loop, err := newLoop()
	if err != nil {
		return err
	}
	defer loop.Close()
	_, err = loop.Listen(addr, 0, ioloop.AcceptFunc(func(_ *ioloop.Handle, client *ioloop.Handle, err error) {
		if err != nil {
			log.Error().Msgf("got error while accepting connection: %+v", err)
			return
		}
		log.Info().Msgf("[%d] accepted connection from %s", client.FD(), client.RemoteAddr())
		echoBack(client)
	}))
	if err != nil {
		return err
	}
	return loop.Run()
}

func echoBack(client *ioloop.Handle) {
	err := client.SetReadHandler(ioloop.ReadFunc(func(h *ioloop.Handle, data []byte, err error) {
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Error().Msgf("[%d] got error while reading: %+v", h.FD(), err)
				h.Close(nil)
				return
			}
			closeWhenFlushed(h)
			return
		}
		reply := append([]byte(nil), data...)
		if _, err = h.Write([]ioloop.Buf{reply}, nil); err != nil {
			log.Error().Msgf("[%d] got error while writing: %+v", h.FD(), err)
			h.Close(nil)
		}
	}))
	if err != nil {
		log.Error().Msgf("[%d] can't start reading: %+v", client.FD(), err)
		client.Close(nil)
	}
}

// closeWhenFlushed queues an empty bucket behind the pending echoes and closes on its completion.
func closeWhenFlushed(h *ioloop.Handle) {
	if h.QueueLen() == 0 {
		h.Close(nil)
		return
	}
	_, err := h.Write(nil, ioloop.WriteFunc(func(b *ioloop.WriteBucket, _ error) {
		if state := b.Handle().State(); state != ioloop.StateClosing && state != ioloop.StateClosed {
			b.Handle().Close(nil)
		}
	}))
	if err != nil {
		h.Close(nil)
	}
}

func runRelay(relayConfig ioloop.RelayConfig) error {
	if relayConfig.Listen == "" || len(relayConfig.Targets) == 0 {
		return errors.New("relay: listen address and targets are required")
	}
	listenAddr, err := net.ResolveTCPAddr("tcp", relayConfig.Listen)
	if err != nil {
		return err
	}
	targets := make([]net.Addr, 0, len(relayConfig.Targets))
	for _, target := range relayConfig.Targets {
		addr, err := net.ResolveTCPAddr("tcp", target)
		if err != nil {
			return err
		}
		targets = append(targets, addr)
	}
	balancer, err := ioloop.NewBalancer(relayConfig.Name, targets)
	if err != nil {
		return err
	}
	loop, err := newLoop()
	if err != nil {
		return err
	}
	defer loop.Close()
	_, err = loop.Listen(listenAddr, 0, ioloop.AcceptFunc(func(_ *ioloop.Handle, client *ioloop.Handle, err error) {
		if err != nil {
			log.Error().Msgf("got error while accepting connection: %+v", err)
			return
		}
		relayTo(balancer, client, relayConfig.HighWater)
	}))
	if err != nil {
		return err
	}
	return loop.Run()
}

func relayTo(balancer *ioloop.Balancer, client *ioloop.Handle, highWater int) {
	remote := client.RemoteAddr()
	key := ""
	if tcpAddr, ok := remote.(*net.TCPAddr); ok {
		key = tcpAddr.IP.String()
	}
	target, index, err := balancer.Pick(key)
	if err != nil {
		log.Error().Msgf("[%d] %+v", client.FD(), err)
		client.Close(nil)
		return
	}
	backend, _, err := client.Loop().Dial(target, ioloop.ConnectFunc(func(_ *ioloop.ConnectRequest, err error) {
		if err != nil && !errors.Is(err, ioloop.ErrCancelled) {
			balancer.MarkDown(index)
		}
	}))
	if err != nil {
		log.Error().Msgf("[%d] can't dial %s: %+v", client.FD(), target, err)
		client.Close(nil)
		return
	}
	_, err = ioloop.NewPipe(client, backend, highWater, ioloop.CloseFunc(func(*ioloop.Handle) {
		log.Info().Msgf("relay %s <-> %s finished", remote, target)
	}))
	if err != nil {
		log.Error().Msgf("[%d] can't pipe to %s: %+v", client.FD(), target, err)
	}
}
