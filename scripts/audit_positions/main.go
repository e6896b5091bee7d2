// audit_positions - A utility to audit a ledger backup snapshot.
// Feed it the JSON produced by GET /api/backup and it checks the
// structural invariants the server relies on: every trade owned by at
// most one position, no duplicate broker executions, no position
// claiming a trade that is not in the ledger.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/eddiefleurent/trade_ledger/internal/positions"
)

// AuditResult summarizes the snapshot checks.
type AuditResult struct {
	Trades    int      `json:"trades"`
	Positions int      `json:"positions"`
	Unowned   int      `json:"unowned_trades"`
	Issues    []string `json:"issues"`
}

func main() {
	var (
		snapshotPath = flag.String("snapshot", "ledger-backup.json", "Path to a backup snapshot file")
		jsonOutput   = flag.Bool("json", false, "Output results as JSON")
	)
	flag.Parse()

	f, err := os.Open(*snapshotPath) // #nosec G304 -- snapshotPath is a user-provided file path
	if err != nil {
		log.Fatalf("Failed to open snapshot: %v", err)
	}
	defer f.Close()

	var snap positions.Snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		log.Fatalf("Failed to decode snapshot: %v", err)
	}

	audit := auditSnapshot(snap)

	if *jsonOutput {
		output, err := json.MarshalIndent(audit, "", "  ")
		if err != nil {
			log.Fatalf("Failed to marshal JSON: %v", err)
		}
		fmt.Println(string(output))
		return
	}

	fmt.Printf("Snapshot created: %s\n", snap.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("Trades: %d  Positions: %d  Unowned trades: %d\n\n", audit.Trades, audit.Positions, audit.Unowned)
	if len(audit.Issues) == 0 {
		fmt.Println("No issues detected.")
		return
	}
	fmt.Println("ISSUES FOUND:")
	for i, issue := range audit.Issues {
		fmt.Printf("  %d. %s\n", i+1, issue)
	}
	os.Exit(1)
}

func auditSnapshot(snap positions.Snapshot) AuditResult {
	res := AuditResult{Trades: len(snap.Trades), Positions: len(snap.Positions)}

	tradeIDs := make(map[string]struct{}, len(snap.Trades))
	brokerKeys := make(map[string]string, len(snap.Trades))
	for _, t := range snap.Trades {
		if _, dup := tradeIDs[t.ID]; dup {
			res.Issues = append(res.Issues, fmt.Sprintf("duplicate trade id %s", t.ID))
		}
		tradeIDs[t.ID] = struct{}{}

		key := t.AccountID + "/" + t.BrokerTradeID
		if prev, dup := brokerKeys[key]; dup {
			res.Issues = append(res.Issues, fmt.Sprintf("trades %s and %s share broker execution %s", prev, t.ID, key))
		}
		brokerKeys[key] = t.ID

		if t.Quantity.Sign() <= 0 {
			res.Issues = append(res.Issues, fmt.Sprintf("trade %s has non-positive quantity %s", t.ID, t.Quantity))
		}
		if !t.Side.Valid() || !t.AssetType.Valid() {
			res.Issues = append(res.Issues, fmt.Sprintf("trade %s has invalid side or asset type", t.ID))
		}
	}

	owners := make(map[string]string, len(snap.Trades))
	for _, p := range snap.Positions {
		if p.IsNamed() && p.Name == "" {
			res.Issues = append(res.Issues, fmt.Sprintf("named position %s has no name", p.ID))
		}
		if len(p.TradeIDs) == 0 {
			res.Issues = append(res.Issues, fmt.Sprintf("position %s has no trades", p.ID))
		}
		for _, tid := range p.TradeIDs {
			if _, ok := tradeIDs[tid]; !ok {
				res.Issues = append(res.Issues, fmt.Sprintf("position %s claims unknown trade %s", p.ID, tid))
				continue
			}
			if other, claimed := owners[tid]; claimed {
				res.Issues = append(res.Issues, fmt.Sprintf("trade %s owned by both %s and %s", tid, other, p.ID))
				continue
			}
			owners[tid] = p.ID
		}
	}

	res.Unowned = len(snap.Trades) - len(owners)
	return res
}
