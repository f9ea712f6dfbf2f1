// Copyright (C) The ODharmonizer Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package harmonizer

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// dbConfig is the OMOP CDM database configuration, read from DB_* environment
// variables (a .env file in the working directory is loaded first when
// present).
type dbConfig struct {
	Host     string
	Port     string
	Name     string
	Schema   string
	User     string
	Password string
}

func loadDBConfig() (dbConfig, error) {
	_ = godotenv.Load() // optional .env
	cfg := dbConfig{
		Host:     os.Getenv("DB_HOST"),
		Port:     os.Getenv("DB_PORT"),
		Name:     os.Getenv("DB_NAME"),
		Schema:   os.Getenv("DB_SCHEMA"),
		User:     os.Getenv("DB_USER"),
		Password: os.Getenv("DB_PASSWORD"),
	}
	if cfg.Port == "" {
		cfg.Port = "5432"
	}
	var missing []string
	for _, v := range []struct{ name, value string }{
		{"DB_HOST", cfg.Host},
		{"DB_NAME", cfg.Name},
		{"DB_SCHEMA", cfg.Schema},
		{"DB_USER", cfg.User},
	} {
		if v.value == "" {
			missing = append(missing, v.name)
		}
	}
	if len(missing) > 0 {
		return cfg, fmt.Errorf("database configuration incomplete: %s not set", strings.Join(missing, ", "))
	}
	return cfg, nil
}

func (cfg dbConfig) dsn() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   cfg.Host + ":" + cfg.Port,
		Path:   "/" + cfg.Name,
	}
	return u.String()
}

// omopDB is the schema-qualified relational sink. Inserts are sequential,
// one transaction per table; it is not used concurrently.
type omopDB struct {
	db     *sql.DB
	schema string
}

func openOMOPDB() (*omopDB, error) {
	cfg, err := loadDBConfig()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &omopDB{db: db, schema: cfg.Schema}, nil
}

func (d *omopDB) Close() error {
	return d.db.Close()
}

// lookupPersonIDs resolves person_source_value strings against the person
// table.
func (d *omopDB) lookupPersonIDs(sourceValues []string) (map[string]int64, error) {
	if len(sourceValues) == 0 {
		return map[string]int64{}, nil
	}
	placeholders := make([]string, len(sourceValues))
	args := make([]interface{}, len(sourceValues))
	for i, v := range sourceValues {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = v
	}
	query := fmt.Sprintf("SELECT person_id, person_source_value FROM %s.person WHERE person_source_value IN (%s)",
		d.schema, strings.Join(placeholders, ","))
	result, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("person lookup: %w", err)
	}
	defer result.Close()
	ids := map[string]int64{}
	for result.Next() {
		var id int64
		var sourceValue string
		if err := result.Scan(&id, &sourceValue); err != nil {
			return nil, err
		}
		ids[sourceValue] = id
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no matching person_source_value found in %s.person", d.schema)
	}
	return ids, nil
}

// insertRows bulk-inserts one finalized table in a single transaction. Any
// failure rolls the whole table back; the caller retries the entire table or
// not at all.
func (d *omopDB) insertRows(table string, columns []string, rows [][]interface{}) error {
	if len(rows) == 0 {
		log.Warnf("no rows to insert into %s", table)
		return nil
	}
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	stmt := fmt.Sprintf("INSERT INTO %s.%s (%s) VALUES (%s)",
		d.schema, table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin %s insert: %w", table, err)
	}
	prepared, err := tx.Prepare(stmt)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare %s insert: %w", table, err)
	}
	for _, args := range rows {
		if _, err := prepared.Exec(args...); err != nil {
			prepared.Close()
			tx.Rollback()
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}
	prepared.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s insert: %w", table, err)
	}
	log.Infof("inserted %d rows into %s.%s in one transaction", len(rows), d.schema, table)
	return nil
}

func measurementArgs(rows []measurementRow) [][]interface{} {
	args := make([][]interface{}, 0, len(rows))
	for i := range rows {
		args = append(args, rows[i].sqlArgs())
	}
	return args
}

func factRelationshipArgs(rows []factRelationshipRow) [][]interface{} {
	args := make([][]interface{}, 0, len(rows))
	for i := range rows {
		args = append(args, rows[i].sqlArgs())
	}
	return args
}

func observationArgs(rows []observationRow) [][]interface{} {
	args := make([][]interface{}, 0, len(rows))
	for i := range rows {
		args = append(args, rows[i].sqlArgs())
	}
	return args
}

func specimenArgs(rows []specimenRow) [][]interface{} {
	args := make([][]interface{}, 0, len(rows))
	for i := range rows {
		args = append(args, rows[i].sqlArgs())
	}
	return args
}
