package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"binance-trader/internal/monitor"
	"binance-trader/pkg/db"
)

// required lists the journal columns the trader reads.
var required = map[string][]string{
	"orders":    {"id", "exchange_order_id", "symbol", "side", "qty", "status", "error", "created_at"},
	"trades":    {"id", "symbol", "qty", "entry_price", "exit_price", "pnl_pct", "pnl_quote", "reason", "closed_at"},
	"positions": {"symbol", "qty", "entry_price", "order_id", "opened_at"},
}

func main() {
	defaultPath := os.Getenv("DB_PATH")
	if defaultPath == "" {
		defaultPath = "./data/trader.db"
	}
	dbPath := flag.String("db", defaultPath, "journal database path")
	summary := flag.Bool("summary", false, "print the all-time trade summary")
	flag.Parse()

	fmt.Printf("Verifying database at: %s\n", *dbPath)
	if _, err := os.Stat(*dbPath); err != nil {
		log.Fatalf("database not found: %v", err)
	}

	database, err := db.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer database.Close()

	missing := 0
	for _, table := range []string{"orders", "trades", "positions"} {
		cols, err := columns(database.DB, table)
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		if len(cols) == 0 {
			fmt.Printf("❌ %s table MISSING\n", table)
			missing++
			continue
		}
		for _, c := range required[table] {
			if !cols[c] {
				fmt.Printf("❌ %s.%s column MISSING\n", table, c)
				missing++
			}
		}
		fmt.Printf("✓ %s table checked\n", table)
	}
	if missing > 0 {
		fmt.Println("run the trader once to apply migrations")
		os.Exit(1)
	}

	if *summary {
		rows, err := database.Summarize(context.Background(), time.Time{})
		if err != nil {
			log.Fatalf("summary: %v", err)
		}
		monitor.RenderSummary(os.Stdout, rows)
	}
}

func columns(conn *sql.DB, table string) (map[string]bool, error) {
	rows, err := conn.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}
