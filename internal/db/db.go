// Package db persists run history to sqlite: run metadata, per-tick
// spectral samples and surfaced diagnostic events. The live pipeline never
// reads from here; the database exists for after-the-fact reporting.
package db

import (
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

type DB struct {
	*sql.DB
}

// Open opens (or creates) the sqlite database at path. The schema is
// managed by migrations; call MigrateUp before first use.
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL keeps the recorder's inserts from blocking tailsql reads.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqldb.Exec(pragma); err != nil {
			sqldb.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return &DB{sqldb}, nil
}

// Run is one recorded diagnostics run.
type Run struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Vehicle   string    `json:"vehicle,omitempty"`
}

// StartRun records run metadata. vehicle is the drivetrain configuration
// serialized as JSON, kept alongside the run so old runs stay
// interpretable after the config changes.
func (db *DB) StartRun(runID string, startedAt time.Time, vehicle any) error {
	var vehicleJSON []byte
	if vehicle != nil {
		var err error
		vehicleJSON, err = json.Marshal(vehicle)
		if err != nil {
			return fmt.Errorf("failed to marshal vehicle config: %w", err)
		}
	}
	_, err := db.Exec(
		"INSERT INTO runs (run_id, started_at, vehicle) VALUES (?, ?, ?)",
		runID, startedAt, string(vehicleJSON),
	)
	return err
}

// Runs returns recorded runs, newest first.
func (db *DB) Runs() ([]Run, error) {
	rows, err := db.Query("SELECT run_id, started_at, vehicle FROM runs ORDER BY started_at DESC LIMIT 100")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var vehicle sql.NullString
		if err := rows.Scan(&r.RunID, &r.StartedAt, &vehicle); err != nil {
			return nil, err
		}
		r.Vehicle = vehicle.String
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// TickSample is one sensor's spectral summary for one processing tick.
type TickSample struct {
	RunID       string    `json:"run_id"`
	At          time.Time `json:"at"`
	SensorID    string    `json:"sensor_id"`
	SpeedMps    float64   `json:"speed_mps"`
	SpeedValid  bool      `json:"speed_valid"`
	NoiseFloorG float64   `json:"noise_floor_g"`
	PeaksJSON   string    `json:"peaks,omitempty"`
}

// RecordTickSample appends one tick sample.
func (db *DB) RecordTickSample(s TickSample) error {
	_, err := db.Exec(
		`INSERT INTO tick_samples (run_id, at, sensor_id, speed_mps, speed_valid, noise_floor_g, peaks)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.RunID, s.At, s.SensorID, s.SpeedMps, s.SpeedValid, s.NoiseFloorG, s.PeaksJSON,
	)
	return err
}

// EventRow is one persisted diagnostic event.
type EventRow struct {
	RunID      string    `json:"run_id"`
	At         time.Time `json:"at"`
	Severity   string    `json:"severity"`
	Class      string    `json:"class"`
	PeakHz     float64   `json:"peak_hz"`
	StrengthDB float64   `json:"strength_db"`
	SensorIDs  []string  `json:"sensor_ids"`
}

// RecordEvent appends one surfaced event.
func (db *DB) RecordEvent(ev EventRow) error {
	ids, err := json.Marshal(ev.SensorIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal sensor ids: %w", err)
	}
	_, err = db.Exec(
		`INSERT INTO events (run_id, at, severity, class, peak_hz, strength_db, sensor_ids)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.At, ev.Severity, ev.Class, ev.PeakHz, ev.StrengthDB, string(ids),
	)
	return err
}

// Events returns events for a run, newest first.
func (db *DB) Events(runID string, limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT run_id, at, severity, class, peak_hz, strength_db, sensor_ids
		 FROM events WHERE run_id = ? ORDER BY at DESC LIMIT ?`,
		runID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var ev EventRow
		var ids sql.NullString
		if err := rows.Scan(&ev.RunID, &ev.At, &ev.Severity, &ev.Class, &ev.PeakHz, &ev.StrengthDB, &ids); err != nil {
			return nil, err
		}
		if ids.String != "" {
			if err := json.Unmarshal([]byte(ids.String), &ev.SensorIDs); err != nil {
				return nil, fmt.Errorf("corrupt sensor_ids for run %s: %w", ev.RunID, err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// TickSamples returns tick samples for a run and sensor, oldest first.
func (db *DB) TickSamples(runID, sensorID string, limit int) ([]TickSample, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := db.Query(
		`SELECT run_id, at, sensor_id, speed_mps, speed_valid, noise_floor_g, peaks
		 FROM tick_samples WHERE run_id = ? AND sensor_id = ? ORDER BY at ASC LIMIT ?`,
		runID, sensorID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []TickSample
	for rows.Next() {
		var s TickSample
		var peaks sql.NullString
		if err := rows.Scan(&s.RunID, &s.At, &s.SensorID, &s.SpeedMps, &s.SpeedValid, &s.NoiseFloorG, &peaks); err != nil {
			return nil, err
		}
		s.PeaksJSON = peaks.String
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return samples, nil
}

// AttachAdminRoutes mounts the SQL debug browser and a backup endpoint
// under /debug/. These routes are for operators, not the public API.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://vibesense.db", db.DB, &tailsql.DBOptions{
		Label: "Vibration DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := fmt.Sprintf("backup-%d.db", time.Now().Unix())
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			log.Printf("Failed to stream backup: %v", err)
		}
	}))
}
