// Package caldb persists calibration blocks and detection records in a
// sqlite database so a sensor can resume after a power cycle without
// redoing its geometry calibration.
package caldb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/range.report/internal/detector"
	"github.com/banshee-data/range.report/internal/sensor"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNoCalibration is returned when no stored calibration exists for a
// sensor.
var ErrNoCalibration = errors.New("caldb: no stored calibration")

type CalDB struct {
	*sql.DB
}

// Open opens (creating if needed) the calibration database at path and
// runs any pending migrations.
func Open(path string) (*CalDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open calibration db: %w", err)
	}
	cdb := &CalDB{db}
	if err := cdb.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return cdb, nil
}

func (db *CalDB) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migration setup: %w", err)
	}
	// Not closing m: that would close the underlying DB connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Calibration is one stored calibration set: the opaque sensor-level
// result plus the detector's static and dynamic blocks.
type Calibration struct {
	ID          string
	SensorID    int
	Temperature int16
	SensorCal   sensor.CalResult
	StaticCal   []byte
	DynamicCal  detector.DynamicCal
}

// SaveCalibration stores a completed calibration set and returns its ID.
func (db *CalDB) SaveCalibration(sensorID int, sensorCal *sensor.CalResult, staticCal []byte, dynamicCal *detector.DynamicCal) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(`
		INSERT INTO calibrations (id, sensor_id, temperature, sensor_cal, static_cal, dynamic_cal)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, sensorID, sensorCal.Temperature, sensorCal.Data[:], staticCal, dynamicCal.Bytes())
	if err != nil {
		return "", fmt.Errorf("failed to insert calibration: %w", err)
	}
	return id, nil
}

// LatestCalibration returns the most recent calibration for a sensor, or
// ErrNoCalibration if none has been stored.
func (db *CalDB) LatestCalibration(sensorID int) (*Calibration, error) {
	row := db.QueryRow(`
		SELECT id, sensor_id, temperature, sensor_cal, static_cal, dynamic_cal
		FROM calibrations
		WHERE sensor_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, sensorID)

	var (
		cal        Calibration
		sensorBlob []byte
		dynBlob    []byte
	)
	err := row.Scan(&cal.ID, &cal.SensorID, &cal.Temperature, &sensorBlob, &cal.StaticCal, &dynBlob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCalibration
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load calibration: %w", err)
	}
	if len(sensorBlob) != sensor.CalResultSize {
		return nil, fmt.Errorf("stored sensor calibration is %d bytes, want %d", len(sensorBlob), sensor.CalResultSize)
	}
	copy(cal.SensorCal.Data[:], sensorBlob)
	cal.SensorCal.Temperature = cal.Temperature
	if err := cal.DynamicCal.SetBytes(dynBlob); err != nil {
		return nil, fmt.Errorf("stored dynamic calibration: %w", err)
	}
	return &cal, nil
}

// UpdateDynamicCal replaces the dynamic block of a stored calibration
// after a temperature update pass.
func (db *CalDB) UpdateDynamicCal(calibrationID string, dynamicCal *detector.DynamicCal) error {
	res, err := db.Exec(`
		UPDATE calibrations SET dynamic_cal = ? WHERE id = ?
	`, dynamicCal.Bytes(), calibrationID)
	if err != nil {
		return fmt.Errorf("failed to update dynamic calibration: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoCalibration
	}
	return nil
}

// StartSession creates a measurement session record and returns its ID.
func (db *CalDB) StartSession(sensorID int, calibrationID, configJSON string) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(`
		INSERT INTO sessions (id, sensor_id, calibration_id, config_json)
		VALUES (?, ?, ?, ?)
	`, id, sensorID, calibrationID, configJSON)
	if err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	return id, nil
}

// EndSession closes a measurement session.
func (db *CalDB) EndSession(sessionID string) error {
	_, err := db.Exec(`
		UPDATE sessions SET ended_at = CURRENT_TIMESTAMP WHERE id = ?
	`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

// RecordResult stores every distance of a processed frame.
func (db *CalDB) RecordResult(sessionID string, frameIndex int64, res *detector.Result) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO detections (session_id, frame_index, distance_m, strength_db,
			temperature, near_start_edge, calibration_needed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, d := range res.Distances {
		_, err := stmt.Exec(sessionID, frameIndex, d.Distance, d.Strength,
			res.Temperature, res.NearStartEdge, res.CalibrationNeeded)
		if err != nil {
			return fmt.Errorf("failed to insert detection: %w", err)
		}
	}
	return tx.Commit()
}

// Detection is one stored distance record.
type Detection struct {
	FrameIndex        int64
	Distance          float64
	Strength          float64
	Temperature       int16
	NearStartEdge     bool
	CalibrationNeeded bool
}

// SessionDetections returns all detections of a session ordered by frame.
func (db *CalDB) SessionDetections(sessionID string) ([]Detection, error) {
	rows, err := db.Query(`
		SELECT frame_index, distance_m, strength_db, temperature,
			near_start_edge, calibration_needed
		FROM detections
		WHERE session_id = ?
		ORDER BY frame_index, id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	var out []Detection
	for rows.Next() {
		var d Detection
		if err := rows.Scan(&d.FrameIndex, &d.Distance, &d.Strength,
			&d.Temperature, &d.NearStartEdge, &d.CalibrationNeeded); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
