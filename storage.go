package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

const vaultSchemaVersion = 1

// vault is the sqlite-backed wallet state. Writes that change state
// publish one event to sink after the statement succeeds.
type vault struct {
	db   *sql.DB
	sink eventSink
}

type channelSetDefinition struct {
	Name     string
	Channels []string
}

func openVault(ctx context.Context, path, name string, sink eventSink) (*vault, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open vault %s: %w", path, err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := ensureSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("vault schema: %w", err)
	}
	if err := ensureMeta(ctx, db, name); err != nil {
		db.Close()
		return nil, fmt.Errorf("vault metadata: %w", err)
	}
	return &vault{db: db, sink: sink}, nil
}

func (v *vault) close() error {
	return v.db.Close()
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return err
	}

	statements := []string{`
    CREATE TABLE IF NOT EXISTS meta (
        key TEXT PRIMARY KEY,
        value TEXT NOT NULL
    );`, `
    CREATE TABLE IF NOT EXISTS accounts (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        name TEXT NOT NULL UNIQUE,
        created_at TIMESTAMP NOT NULL
    );`, `
    CREATE TABLE IF NOT EXISTS account_addresses (
        address TEXT PRIMARY KEY,
        account_id INTEGER NOT NULL,
        FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
    );`, `
    CREATE TABLE IF NOT EXISTS txs (
        hash TEXT PRIMARY KEY,
        account_id INTEGER NOT NULL,
        amount INTEGER NOT NULL,
        status TEXT NOT NULL,
        block_hash TEXT NOT NULL DEFAULT '',
        height INTEGER NOT NULL DEFAULT 0,
        created_at TIMESTAMP NOT NULL,
        FOREIGN KEY(account_id) REFERENCES accounts(id) ON DELETE CASCADE
    );`, `
    CREATE TABLE IF NOT EXISTS merkle_blocks (
        hash TEXT PRIMARY KEY,
        prev_hash TEXT NOT NULL,
        height INTEGER NOT NULL,
        timestamp INTEGER NOT NULL,
        tx_count INTEGER NOT NULL
    );`, `
    CREATE TABLE IF NOT EXISTS channel_sets (
        set_name TEXT NOT NULL,
        channel TEXT NOT NULL,
        position INTEGER NOT NULL,
        PRIMARY KEY(set_name, channel)
    );`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func ensureMeta(ctx context.Context, db *sql.DB, name string) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	_, err := db.ExecContext(ctx, `
        INSERT INTO meta (key, value) VALUES
            ('name', ?), ('schema_version', ?), ('horizon_timestamp', ?)
        ON CONFLICT(key) DO NOTHING
    `, name, strconv.Itoa(vaultSchemaVersion), now)
	return err
}

func (v *vault) status(ctx context.Context) (vaultStatus, error) {
	rows, err := v.db.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return vaultStatus{}, err
	}
	defer rows.Close()

	var st vaultStatus
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return vaultStatus{}, err
		}
		switch key {
		case "name":
			st.Name = value
		case "schema_version":
			st.SchemaVersion, err = strconv.Atoi(value)
		case "horizon_timestamp":
			st.HorizonTimestamp, err = strconv.ParseInt(value, 10, 64)
		}
		if err != nil {
			return vaultStatus{}, fmt.Errorf("meta %s: %w", key, err)
		}
	}
	return st, rows.Err()
}

func (v *vault) accounts(ctx context.Context) ([]accountInfo, error) {
	rows, err := v.db.QueryContext(ctx, `SELECT id, name FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []accountInfo
	for rows.Next() {
		var a accountInfo
		if err := rows.Scan(&a.ID, &a.Name); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (v *vault) addAccount(ctx context.Context, name string, addresses ...string) (accountInfo, error) {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return accountInfo{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO accounts (name, created_at) VALUES (?, ?)`, name, time.Now().UTC())
	if err != nil {
		return accountInfo{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return accountInfo{}, err
	}
	for _, addr := range addresses {
		if _, err := tx.ExecContext(ctx, `INSERT INTO account_addresses (address, account_id) VALUES (?, ?)`, addr, id); err != nil {
			return accountInfo{}, fmt.Errorf("address %s: %w", addr, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return accountInfo{}, err
	}
	return accountInfo{ID: id, Name: name}, nil
}

// watchedAddresses maps every account address to its account id.
func (v *vault) watchedAddresses(ctx context.Context) (map[string]int64, error) {
	rows, err := v.db.QueryContext(ctx, `SELECT address, account_id FROM account_addresses`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	addresses := make(map[string]int64)
	for rows.Next() {
		var addr string
		var id int64
		if err := rows.Scan(&addr, &id); err != nil {
			return nil, err
		}
		addresses[addr] = id
	}
	return addresses, rows.Err()
}

func (v *vault) txByHash(ctx context.Context, hash string) (txPayload, bool, error) {
	row := v.db.QueryRowContext(ctx, `
        SELECT hash, account_id, amount, status, block_hash, height
        FROM txs WHERE hash = ?
    `, hash)

	var tx txPayload
	if err := row.Scan(&tx.Hash, &tx.AccountID, &tx.Amount, &tx.Status, &tx.BlockHash, &tx.Height); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return txPayload{}, false, nil
		}
		return txPayload{}, false, err
	}
	return tx, true, nil
}

// insertTx records tx unless its hash is already known. It reports
// whether a row was added.
func (v *vault) insertTx(ctx context.Context, tx txPayload) (bool, error) {
	res, err := v.db.ExecContext(ctx, `
        INSERT INTO txs (hash, account_id, amount, status, block_hash, height, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(hash) DO NOTHING
    `, tx.Hash, tx.AccountID, tx.Amount, tx.Status, tx.BlockHash, tx.Height, time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	v.emit(txEvent(eventTxInserted, tx))
	return true, nil
}

// setTxStatus moves a known transaction to status. Unknown hashes and
// unchanged statuses are no-ops.
func (v *vault) setTxStatus(ctx context.Context, hash, status, blockHash string, height int32) (bool, error) {
	res, err := v.db.ExecContext(ctx, `
        UPDATE txs SET status = ?, block_hash = ?, height = ?
        WHERE hash = ? AND status <> ?
    `, status, blockHash, height, hash, status)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}

	tx, ok, err := v.txByHash(ctx, hash)
	if err != nil || !ok {
		return false, err
	}
	v.emit(txEvent(eventTxStatusChanged, tx))
	return true, nil
}

func (v *vault) unconfirmedTxs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := v.db.QueryContext(ctx, `SELECT hash FROM txs WHERE status = ?`, txStatusUnconfirmed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	hashes := make(map[string]struct{})
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, err
		}
		hashes[hash] = struct{}{}
	}
	return hashes, rows.Err()
}

func (v *vault) insertMerkleBlock(ctx context.Context, block merkleBlockPayload) (bool, error) {
	res, err := v.db.ExecContext(ctx, `
        INSERT INTO merkle_blocks (hash, prev_hash, height, timestamp, tx_count)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(hash) DO NOTHING
    `, block.Hash, block.PrevHash, block.Height, block.Timestamp, block.TxCount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return false, err
	}
	v.emit(blockEvent(block))
	return true, nil
}

func (v *vault) channelSetDefinitions(ctx context.Context) ([]channelSetDefinition, error) {
	rows, err := v.db.QueryContext(ctx, `
        SELECT set_name, channel FROM channel_sets
        ORDER BY set_name, position
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []channelSetDefinition
	for rows.Next() {
		var name, channel string
		if err := rows.Scan(&name, &channel); err != nil {
			return nil, err
		}
		if name == "" || channel == "" {
			return nil, fmt.Errorf("malformed channel set row (%q, %q)", name, channel)
		}
		if n := len(defs); n == 0 || defs[n-1].Name != name {
			defs = append(defs, channelSetDefinition{Name: name})
		}
		defs[len(defs)-1].Channels = append(defs[len(defs)-1].Channels, channel)
	}
	return defs, rows.Err()
}

// saveChannelSet replaces the persisted definition of name.
func (v *vault) saveChannelSet(ctx context.Context, name string, channels []string) error {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM channel_sets WHERE set_name = ?`, name); err != nil {
		return err
	}
	for i, channel := range channels {
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO channel_sets (set_name, channel, position) VALUES (?, ?, ?)
            ON CONFLICT(set_name, channel) DO NOTHING
        `, name, channel, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (v *vault) emit(ev vaultEvent) {
	if v.sink != nil {
		v.sink.publish(ev)
	}
}
