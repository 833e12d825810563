package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fundline/dealcall/internal/call"
)

var flagRecordingsDir string

var callCmd = &cobra.Command{
	Use:   "call <deal-id>",
	Short: "Join the call room of a deal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCall(args[0])
	},
}

func init() {
	home, _ := os.UserHomeDir()
	callCmd.Flags().StringVar(&flagRecordingsDir, "recordings-dir",
		filepath.Join(home, "dealcall-recordings"), "Where call recordings are written")
	rootCmd.AddCommand(callCmd)
}

func runCall(dealID string) error {
	logFile, err := os.OpenFile("dialer.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()
	logger := slog.New(slog.NewJSONHandler(logFile, nil))

	api := newAPIClient(flagServer)
	if flagToken != "" {
		api.token = flagToken
	} else {
		if flagUsername == "" || flagPassword == "" {
			return fmt.Errorf("either --token or --username and --password are required")
		}
		if err := api.login(flagUsername, flagPassword); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}

	ticket, err := api.startCall(dealID)
	if err != nil {
		return fmt.Errorf("start call: %w", err)
	}
	iceServers, err := api.turnConfig()
	if err != nil {
		return fmt.Errorf("turn config: %w", err)
	}
	if err := os.MkdirAll(flagRecordingsDir, 0o750); err != nil {
		return err
	}

	ctrl := call.New(call.Config{
		ServerURL:     flagServer,
		RoomToken:     ticket.RoomToken,
		SessionToken:  api.token,
		ICEServers:    iceServers,
		RecordingsDir: flagRecordingsDir,
		Logger:        logger,
	})
	ctrl.OnStatusChange(func(st call.Status) {
		fmt.Printf("\r[call] %s\n", st)
	})
	ctrl.OnChat(func(entry call.ChatEntry) {
		who := "peer"
		if entry.Own {
			who = "you"
		}
		fmt.Printf("\r[chat] %s (%s): %s\n", who, entry.At.Format("15:04:05"), entry.Text)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	startedAt := time.Now()
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	fmt.Println("connected to room; commands: m, v, c <text>, r, q")
	go readCommands(ctrl)

	<-ctrl.Done()
	if err := ctrl.Err(); err != nil {
		return fmt.Errorf("call ended with error: %w", err)
	}
	fmt.Println("call ended")

	uploadNewRecordings(api, dealID, ticket.CallID, startedAt)
	return api.endCall(dealID)
}

// uploadNewRecordings ships every recording this call produced. Upload
// failures are reported but do not fail the command; the file stays on disk.
func uploadNewRecordings(api *apiClient, dealID, callID string, since time.Time) {
	entries, err := os.ReadDir(flagRecordingsDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".ogg") {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().Before(since) {
			continue
		}
		path := filepath.Join(flagRecordingsDir, entry.Name())
		if err := api.uploadRecording(dealID, callID, path); err != nil {
			fmt.Println("[recording] upload failed:", err)
			continue
		}
		fmt.Println("[recording] uploaded", entry.Name())
	}
}

func readCommands(ctrl *call.Controller) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "q":
			ctrl.HangUp()
			return
		case line == "m":
			ctrl.ToggleMute()
		case line == "v":
			ctrl.ToggleVideo()
		case line == "r":
			ctrl.ToggleRecording()
		case strings.HasPrefix(line, "c "):
			if err := ctrl.SendChat(strings.TrimPrefix(line, "c ")); err != nil {
				fmt.Println("[chat]", err)
			}
		case line == "":
		default:
			fmt.Println("commands: m (mute), v (video), c <text> (chat), r (record), q (quit)")
		}
	}
}
