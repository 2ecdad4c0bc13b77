package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chazu/tiered/compiler"
	"github.com/chazu/tiered/server"
	"github.com/chazu/tiered/store"
	"github.com/chazu/tiered/vm"
)

type serveOptions struct {
	*rootOptions
	Addr    string
	Port    int
	Program string
	DB      string
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the control API over Connect (HTTP/JSON)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(opts)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from tiered.toml)")
	cmd.Flags().IntVarP(&opts.Port, "port", "p", 0, "listen on localhost:port, overriding --addr")
	cmd.Flags().StringVar(&opts.Program, "program", "", "assembly listing to load at startup")
	cmd.Flags().StringVar(&opts.DB, "db", "", "record trace events in this SQLite database")
	return cmd
}

func serve(opts *serveOptions) error {
	addr := opts.Addr
	if addr == "" {
		addr = opts.manifest.Server.Addr
	}
	if opts.Port != 0 {
		addr = fmt.Sprintf("localhost:%d", opts.Port)
	}

	vmOpts := []vm.Option{vm.WithConfig(opts.manifest.VMConfig())}
	dbPath := opts.DB
	if dbPath == "" {
		dbPath = opts.manifest.TraceDBPath()
	}
	if dbPath != "" {
		st, err := store.Open(dbPath)
		if err != nil {
			return err
		}
		defer st.Close()
		vmOpts = append(vmOpts, vm.WithTraceSink(st))
	}

	machine := vm.New(vmOpts...)
	defer machine.Close()

	if opts.Program != "" {
		prog, err := compiler.AssembleFile(machine.Registry(), opts.Program)
		if err != nil {
			return err
		}
		prog.Install(machine)
	}

	srv := server.New(machine)
	defer srv.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(addr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		return nil
	}
}
