// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/tandem/lib/clock"
	"github.com/bureau-foundation/tandem/lib/sqlitepool"
)

const devicesSchema = `
CREATE TABLE IF NOT EXISTS devices (
	fingerprint TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	paired_at   INTEGER NOT NULL,
	last_seen   INTEGER NOT NULL,
	revoked     INTEGER NOT NULL DEFAULT 0
);
`

// Device is a viewer machine that has logged in at least once.
type Device struct {
	Fingerprint string    `json:"fingerprint"`
	Name        string    `json:"name"`
	PairedAt    time.Time `json:"paired_at"`
	LastSeen    time.Time `json:"last_seen"`
	Revoked     bool      `json:"revoked"`
}

// DeviceRegistry records paired devices in SQLite.
type DeviceRegistry struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
}

// OpenDeviceRegistry opens or creates the registry at path.
func OpenDeviceRegistry(path string, clk clock.Clock, logger *slog.Logger) (*DeviceRegistry, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := 0
	if path == ":memory:" {
		poolSize = 1
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, devicesSchema, nil)
		},
	})
	if err != nil {
		return nil, err
	}
	return &DeviceRegistry{pool: pool, clock: clk, logger: logger}, nil
}

// Touch records a successful login from fingerprint. A first login
// pairs the device; later ones update its name and last-seen time. A
// revoked device stays revoked and yields ErrDeviceRevoked.
func (r *DeviceRegistry) Touch(ctx context.Context, fingerprint []byte, name string) (*Device, error) {
	key := hex.EncodeToString(fingerprint)
	now := r.clock.Now().Unix()
	var device *Device
	err := r.pool.With(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endTransaction(&err)

		existing, err := lookupDevice(conn, key)
		if err != nil {
			return err
		}
		if existing != nil && existing.Revoked {
			device = existing
			return ErrDeviceRevoked
		}
		if existing == nil {
			r.logger.Info("pairing new device", "fingerprint", key, "name", name)
		}
		if name == "" && existing != nil {
			name = existing.Name
		}
		err = sqlitex.Execute(conn, `
			INSERT INTO devices (fingerprint, name, paired_at, last_seen)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(fingerprint) DO UPDATE SET name = excluded.name, last_seen = excluded.last_seen`,
			&sqlitex.ExecOptions{Args: []any{key, name, now, now}})
		if err != nil {
			return err
		}
		device, err = lookupDevice(conn, key)
		return err
	})
	if err != nil {
		return device, fmt.Errorf("auth: recording device %s: %w", key, err)
	}
	return device, nil
}

// Lookup returns the device with fingerprint, or ErrUnknownDevice.
func (r *DeviceRegistry) Lookup(ctx context.Context, fingerprint string) (*Device, error) {
	var device *Device
	err := r.pool.With(ctx, func(conn *sqlite.Conn) (err error) {
		device, err = lookupDevice(conn, fingerprint)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("auth: looking up device: %w", err)
	}
	if device == nil {
		return nil, ErrUnknownDevice
	}
	return device, nil
}

// Revoke blocks fingerprint from logging in again.
func (r *DeviceRegistry) Revoke(ctx context.Context, fingerprint string) error {
	return r.pool.With(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, "UPDATE devices SET revoked = 1 WHERE fingerprint = ?",
			&sqlitex.ExecOptions{Args: []any{fingerprint}})
		if err != nil {
			return fmt.Errorf("auth: revoking device: %w", err)
		}
		if conn.Changes() == 0 {
			return ErrUnknownDevice
		}
		r.logger.Info("device revoked", "fingerprint", fingerprint)
		return nil
	})
}

// List returns every device, most recently seen first.
func (r *DeviceRegistry) List(ctx context.Context) ([]Device, error) {
	var devices []Device
	err := r.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT fingerprint, name, paired_at, last_seen, revoked FROM devices ORDER BY last_seen DESC, fingerprint",
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					devices = append(devices, scanDevice(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("auth: listing devices: %w", err)
	}
	return devices, nil
}

// Close closes the underlying database.
func (r *DeviceRegistry) Close() error {
	return r.pool.Close()
}

func lookupDevice(conn *sqlite.Conn, fingerprint string) (*Device, error) {
	var device *Device
	err := sqlitex.Execute(conn,
		"SELECT fingerprint, name, paired_at, last_seen, revoked FROM devices WHERE fingerprint = ?",
		&sqlitex.ExecOptions{
			Args: []any{fingerprint},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				scanned := scanDevice(stmt)
				device = &scanned
				return nil
			},
		})
	return device, err
}

func scanDevice(stmt *sqlite.Stmt) Device {
	return Device{
		Fingerprint: stmt.ColumnText(0),
		Name:        stmt.ColumnText(1),
		PairedAt:    time.Unix(stmt.ColumnInt64(2), 0),
		LastSeen:    time.Unix(stmt.ColumnInt64(3), 0),
		Revoked:     stmt.ColumnInt64(4) != 0,
	}
}
