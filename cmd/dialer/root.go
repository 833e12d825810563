package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var (
	flagServer   string
	flagToken    string
	flagUsername string
	flagPassword string
)

var rootCmd = &cobra.Command{
	Use:   "dialer",
	Short: "Terminal client for Fundline deal calls",
	Long: `dialer joins the audio call room of an invoice deal from the terminal.

Authenticate either with --token or with --username and --password.
During a call type commands followed by enter:

  m          toggle microphone
  c <text>   send a chat message
  v          toggle camera
  r          toggle recording (lender only)
  q          hang up`,
}

func Execute() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		os.Exit(0)
	}()

	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "http://localhost:8080", "Dealcall server URL")
	rootCmd.PersistentFlags().StringVar(&flagToken, "token", "", "Session token (skips login)")
	rootCmd.PersistentFlags().StringVar(&flagUsername, "username", "", "Marketplace username")
	rootCmd.PersistentFlags().StringVar(&flagPassword, "password", "", "Marketplace password")
}
