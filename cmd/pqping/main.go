// pqping connects to a PostgreSQL server with pqlink, prints the session
// facts the backend reported, optionally runs a single query, and
// disconnects. It exists as a smoke test for the client against real
// backends.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pqlink"
	"pqlink/pgwire"
	"pqlink/version"
)

func main() {
	var (
		host     string
		port     int
		user     string
		password string
		database string
		appName  string
		query    string
		timeout  time.Duration
		verbose  bool
	)

	cmd := &cobra.Command{
		Use:     "pqping",
		Short:   "Ping a PostgreSQL server over the wire protocol",
		Version: version.String(),
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			logger := zap.NewNop()
			if verbose {
				var err error
				if logger, err = zap.NewDevelopment(); err != nil {
					return err
				}
				defer logger.Sync()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := pqlink.Connect(ctx, pqlink.Config{
				Host:            host,
				Port:            port,
				User:            user,
				Password:        password,
				Database:        database,
				ApplicationName: appName,
				Logger:          logger,
			})
			if err != nil {
				return err
			}
			defer client.Close()

			printSession(client)
			if query != "" {
				if err := runQuery(ctx, client, query); err != nil {
					return err
				}
			}
			return client.Close()
		},
	}

	cmd.Flags().StringVar(&host, "host", envStr("PQPING_HOST", "127.0.0.1"), "server host")
	cmd.Flags().IntVar(&port, "port", envInt("PQPING_PORT", 5432), "server port")
	cmd.Flags().StringVar(&user, "user", envStr("PQPING_USER", "postgres"), "user name")
	cmd.Flags().StringVar(&password, "password", envStr("PQPING_PASSWORD", ""), "password for cleartext authentication")
	cmd.Flags().StringVar(&database, "database", envStr("PQPING_DATABASE", ""), "database name (default: server's default)")
	cmd.Flags().StringVar(&appName, "application-name", "pqping", "application_name startup parameter")
	cmd.Flags().StringVar(&query, "query", "", "statement to run after connecting")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall deadline")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log protocol activity")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pqping:", err)
		os.Exit(1)
	}
}

func printSession(client *pqlink.Client) {
	if pid, ok := client.ProcessID(); ok {
		fmt.Printf("backend pid: %d\n", pid)
	}
	fmt.Printf("transaction status: %s\n", client.TransactionStatus())

	params := client.ParameterStatus()
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("parameter %s = %q\n", name, params[name])
	}
}

func runQuery(ctx context.Context, client *pqlink.Client, query string) error {
	requests := make(chan pgwire.FrontendMessage, 1)
	requests <- &pgwire.Query{Text: query}
	close(requests)

	x, err := client.Exchange(ctx, requests)
	if err != nil {
		return err
	}

	rows := 0
	for msg := range x.Messages() {
		switch m := msg.(type) {
		case *pgwire.RowDescription:
			names := make([]string, len(m.Fields))
			for i, f := range m.Fields {
				names[i] = f.Name
			}
			fmt.Printf("columns: %v\n", names)
		case *pgwire.DataRow:
			rows++
		case *pgwire.CommandComplete:
			fmt.Printf("rows: %d\ncommand: %s\n", rows, m.Tag)
		case *pgwire.ErrorResponse:
			fmt.Printf("error: %s (SQLSTATE %s)\n", m.Message, m.Code)
		}
	}
	return x.Err()
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
