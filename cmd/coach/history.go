package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/yegors/co-coach/internal/storage"
)

var (
	sessionsLimit   int
	summaryProvider string
)

func init() {
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "Number of sessions to list")
	summarizeCmd.Flags().StringVar(&summaryProvider, "provider", "", "Summary provider: openai or gemini (defaults to summary.provider)")
}

var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "Print a session transcript (defaults to the most recent session)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

var summarizeCmd = &cobra.Command{
	Use:   "summarize <session-id>",
	Short: "Summarize a session transcript and store the summary",
	Args:  cobra.ExactArgs(1),
	RunE:  runSummarize,
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var session *storage.Session
	if len(args) == 1 {
		session, err = a.service.GetConversation(ctx, args[0])
	} else {
		var sessions []*storage.Session
		sessions, err = a.service.Sessions(ctx, a.userID, 1)
		if err == nil && len(sessions) == 0 {
			err = storage.ErrNotFound
		}
		if err == nil {
			session = sessions[0]
		}
	}
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("no such session")
	}
	if err != nil {
		return err
	}

	messages, err := a.service.Messages(ctx, session.ID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printSession(out, session)
	if len(messages) == 0 {
		fmt.Fprintln(out, "  (no messages)")
	}
	for _, m := range messages {
		fmt.Fprintf(out, "  %s %-5s %s\n", m.CreatedAt.Local().Format("15:04:05"), speaker(m.Role)+":", m.Content)
	}
	if session.Summary != "" {
		fmt.Fprintf(out, "\nSummary: %s\n", session.Summary)
	}
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sessions, err := a.service.Sessions(ctx, a.userID, sessionsLimit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions yet.")
		return nil
	}
	for _, s := range sessions {
		printSession(cmd.OutOrStdout(), s)
	}
	return nil
}

func runSummarize(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	session, err := a.service.Summarize(ctx, args[0], summaryProvider)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), session.Summary)
	return nil
}

func printSession(w io.Writer, s *storage.Session) {
	status := "open"
	if s.EndedAt != nil {
		status = "ended after " + s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
	}
	fmt.Fprintf(w, "%s  %s  %s\n", s.ID, s.StartedAt.Local().Format("2006-01-02 15:04"), status)
	if s.Summary != "" {
		fmt.Fprintf(w, "    %s\n", firstLine(s.Summary))
	}
}

func speaker(role string) string {
	if role == storage.RoleAssistant {
		return "coach"
	}
	return "you"
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
