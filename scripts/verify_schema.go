//go:build ignore

// Opens a database file and checks the migrated schema: core tables,
// the client_order_id uniqueness constraint, and columns added by later
// migrations. Usage: go run scripts/verify_schema.go [path/to/xor.db]
package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

func main() {
	dbPath := "./data/xor.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	fmt.Printf("verifying schema at %s\n", dbPath)

	database, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("open: %v", err)
	}
	defer database.Close()

	tables := []string{"users", "credentials", "bots", "orders", "trades", "positions", "audit_log"}
	for _, table := range tables {
		var name string
		err := database.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err == sql.ErrNoRows {
			fmt.Printf("MISSING table %s\n", table)
			continue
		}
		if err != nil {
			log.Fatalf("query %s: %v", table, err)
		}
		fmt.Printf("ok    table %s\n", table)
	}

	var ordersSQL string
	if err := database.QueryRow(
		"SELECT sql FROM sqlite_master WHERE type='table' AND name='orders'",
	).Scan(&ordersSQL); err != nil {
		log.Fatalf("orders schema: %v", err)
	}
	checkContains(ordersSQL, "client_order_id", "orders.client_order_id")
	checkContains(ordersSQL, "UNIQUE", "orders client_order_id uniqueness")

	for _, col := range []struct{ table, column string }{
		{"orders", "latency_ms"},
		{"orders", "reason"},
		{"bots", "deleted"},
		{"trades", "realized_pnl"},
	} {
		if columnExists(database, col.table, col.column) {
			fmt.Printf("ok    column %s.%s\n", col.table, col.column)
		} else {
			fmt.Printf("MISSING column %s.%s\n", col.table, col.column)
		}
	}
}

func checkContains(schema, needle, label string) {
	if strings.Contains(schema, needle) {
		fmt.Printf("ok    %s\n", label)
	} else {
		fmt.Printf("MISSING %s\n", label)
	}
}

func columnExists(database *sql.DB, table, column string) bool {
	rows, err := database.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
