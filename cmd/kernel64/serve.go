package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"kernel64/kernel/kfmt"
	"kernel64/kernel/monitor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Boot the memory subsystem and serve the inspector API.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := commandSettings(cmd)
		if err != nil {
			return err
		}

		log := kfmt.New(cmd.OutOrStdout())
		m, err := bootMachine(s, log)
		if err != nil {
			return err
		}
		defer m.Close()

		mon := monitor.NewMonitor(log.Module("monitor")).WithPortNumber(s.Port)
		mon.RegisterMemoryMap(m.sys.MemoryMap)
		mon.RegisterLedger(m.sys.Ledger)
		mon.RegisterHeap(m.sys.Heap)
		mon.RegisterManager(m.sys.Manager)
		mon.RegisterTrace(m.events)

		url, err := mon.StartServer()
		if err != nil {
			return err
		}
		defer mon.Close()

		if open, _ := cmd.Flags().GetBool("open"); open {
			if err := browser.OpenURL(url + "/api/pagebook"); err != nil {
				log.Printf("cannot open a browser: %s\n", err)
			}
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop

		return nil
	},
}

func init() {
	addBootFlags(serveCmd)
	serveCmd.Flags().Int("port", 0, "Inspector port; 0 picks a free one")
	serveCmd.Flags().Bool("open", false, "Open the inspector in a browser")
	rootCmd.AddCommand(serveCmd)
}
