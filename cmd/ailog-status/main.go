package main

import (
	"ailog-spooler/ingest"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"
)

// ailog-status is a read-only observer. It opens the store without running
// migrations and never takes the writer lock, so it is always safe to run
// next to a live ingest daemon.
func main() {
	log.SetFlags(0)

	var dbPath string
	var limit int
	var watch time.Duration

	flag.StringVar(&dbPath, "db", "ailog.db", "SQLite store path.")
	flag.IntVar(&limit, "n", 10, "Number of recent sessions to show.")
	flag.DurationVar(&watch, "watch", 0, "Refresh interval; 0 prints once and exits.")
	flag.Parse()

	if _, err := os.Stat(dbPath); err != nil {
		log.Fatalf("store not found: %v", err)
	}
	db, err := ingest.OpenQueryDB(dbPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	store := ingest.NewStore(db)
	defer store.Close()

	for {
		if err := printStatus(store, limit); err != nil {
			log.Fatalf("query store: %v", err)
		}
		if watch <= 0 {
			return
		}
		time.Sleep(watch)
		fmt.Println()
	}
}

func printStatus(store *ingest.Store, limit int) error {
	sessions, err := store.RecentSessions(limit)
	if err != nil {
		return err
	}
	msgCount, err := store.CountMessages()
	if err != nil {
		return err
	}
	sessCount, err := store.CountSessions()
	if err != nil {
		return err
	}

	fmt.Printf("%d sessions, %d messages\n\n", sessCount, msgCount)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tDIALECT\tPROJECT\tMODEL\tTHREADS\tLAST ACTIVITY")
	for _, s := range sessions {
		threads, err := store.SessionThreads(s.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			shorten(s.ID, 20), s.Dialect, s.ProjectName, s.ModelID, len(threads),
			s.LastActivityAt.Local().Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
