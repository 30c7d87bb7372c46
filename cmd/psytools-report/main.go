// psytools-report builds a usage-status report straight against the database
// and prints it as JSON, for ad-hoc reporting and debugging of grant scopes
// without going through the HTTP API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/delosis/psytools-server/pkg/auth"
	"github.com/delosis/psytools-server/pkg/config"
	"github.com/delosis/psytools-server/pkg/report"
	"github.com/delosis/psytools-server/pkg/store"
)

func main() {
	databaseURL := flag.String("database-url", os.Getenv("PSYTOOLS_POSTGRES_URL"), "PostgreSQL connection URL")
	callerID := flag.String("caller", "cli", "Caller id to attribute the report to")
	grantsJSON := flag.String("grants", "", `Grant list as JSON, e.g. [{"studyId":"A","role":"STUDY_ADMIN"}]`)
	grantsFile := flag.String("grants-file", "", "Path to a JSON file holding the grant list (overrides -grants)")
	periodDays := flag.Int("period", 30, "Reporting period in days")
	fanOut := flag.Int("fanout", 4, "Concurrent per-study query limit")
	pretty := flag.Bool("pretty", true, "Indent the JSON output")
	flag.Parse()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	if *databaseURL == "" {
		logger.Fatal("a database URL is required (-database-url or PSYTOOLS_POSTGRES_URL)")
	}

	raw := []byte(*grantsJSON)
	if *grantsFile != "" {
		var err error
		raw, err = os.ReadFile(*grantsFile)
		if err != nil {
			logger.WithError(err).Fatal("failed to read grants file")
		}
	}
	if len(raw) == 0 {
		logger.Fatal("a grant list is required (-grants or -grants-file)")
	}

	var claims []auth.GrantClaim
	if err := json.Unmarshal(raw, &claims); err != nil {
		logger.WithError(err).Fatal("failed to parse grant list")
	}
	caller, err := auth.CallerFromClaims(*callerID, claims, auth.DuplicatesIndependent)
	if err != nil {
		logger.WithError(err).Fatal("invalid grant list")
	}

	db, err := store.Open(config.DatabaseConfig{
		URL:         *databaseURL,
		MaxConns:    5,
		MinConns:    1,
		ConnTimeout: 10 * time.Second,
		MaxLifetime: 5 * time.Minute,
		MaxIdleTime: time.Minute,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to database")
	}
	defer db.Close()

	aggregator := report.NewAggregator(db, nil, nil, *fanOut, 365)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	start := time.Now()
	statusReport, err := aggregator.BuildReport(ctx, caller, *periodDays)
	if err != nil {
		logger.WithError(err).Fatal("failed to build report")
	}
	logger.WithFields(logrus.Fields{
		"studies":  len(statusReport.ByStudy),
		"duration": time.Since(start).String(),
	}).Info("report built")

	enc := json.NewEncoder(os.Stdout)
	if *pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(statusReport); err != nil {
		logger.WithError(err).Fatal("failed to encode report")
	}
}
