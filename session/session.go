package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"rov-surface/common"
	"rov-surface/fuser"
)

var logger = log.New(os.Stdout, "[Session] ", log.LstdFlags|log.Lshortfile)

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(tx *sql.Tx, err *error) {
	if *err == nil {
		return
	}
	if rbErr := tx.Rollback(); rbErr != nil {
		logger.Printf("Rollback failed: %v", rbErr)
	}
}

// Recorder записывает входные данные и версии каждого такта в sqlite
type Recorder struct {
	db        *sql.DB
	sessionID int64

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewRecorder открывает (или создает) базу и начинает новую сессию.
// config сохраняется как JSON для справки.
func NewRecorder(ctx context.Context, path string, config any) (*Recorder, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", path, "_journal_mode=WAL&_synchronous=NORMAL"))
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, initSchemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	var configData sql.NullString
	if config != nil {
		p, err := json.Marshal(config)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("marshaling config: %w", err)
		}
		configData = sql.NullString{String: string(p), Valid: true}
	}

	res, err := db.ExecContext(ctx, insertSessionSQL, time.Now().UnixNano(), configData)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("getting session ID: %w", err)
	}

	logger.Printf("Recording session %d to %s", id, path)
	return &Recorder{db: db, sessionID: id}, nil
}

// SessionID возвращает идентификатор записываемой сессии
func (r *Recorder) SessionID() int64 {
	return r.sessionID
}

// RecordTick сохраняет входные данные такта и получившийся снимок одной транзакцией
func (r *Recorder) RecordTick(tick uint64, at time.Time, inputs []common.Input, state fuser.VehicleState) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stateData, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	if _, err = tx.Exec(insertTickSQL, r.sessionID, int64(tick), at.UnixNano(), int64(state.Version), string(stateData)); err != nil {
		return fmt.Errorf("inserting tick %d: %w", tick, err)
	}

	stmt, err := tx.Prepare(insertInputSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	for i, in := range inputs {
		kind, payload, encErr := encodeInput(in)
		if encErr != nil {
			logger.Printf("Skipping input in tick %d: %v", tick, encErr)
			continue
		}
		if _, err = stmt.Exec(r.sessionID, int64(tick), i, kind, string(payload)); err != nil {
			return fmt.Errorf("inserting input: %w", err)
		}
	}

	return tx.Commit()
}

// Close закрывает базу
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.db.Close()
	})
	return r.closeErr
}

// Info краткие сведения о записанной сессии
type Info struct {
	ID        int64
	StartedAt time.Time
	LastTick  time.Time
	Ticks     int
	Version   uint64
}

// Duration длительность записи
func (i Info) Duration() time.Duration {
	return i.LastTick.Sub(i.StartedAt)
}

// Result итог повторного воспроизведения
type Result struct {
	Ticks      int
	Inputs     int
	Config     fuser.Config // настройки слияния, с которыми выполнено воспроизведение
	Final      fuser.VehicleState
	Mismatches []uint64 // такты, где версия при воспроизведении разошлась с записанной
}

// ReplayOption изменяет настройки слияния, сохраненные вместе с сессией
type ReplayOption func(*fuser.Config)

// WithFaultGrace переопределяет порог ошибок датчиков
func WithFaultGrace(n int) ReplayOption {
	return func(c *fuser.Config) { c.FaultGrace = n }
}

// WithOutcomeHistory переопределяет длину истории итогов команд
func WithOutcomeHistory(n int) ReplayOption {
	return func(c *fuser.Config) { c.OutcomeHistory = n }
}

// storedConfig часть сохраненной конфигурации станции, нужная для воспроизведения
type storedConfig struct {
	Fuser *fuser.Config
}

// fuserConfig возвращает настройки слияния записанной сессии.
// Если они не были сохранены, используются значения по умолчанию.
func fuserConfig(ctx context.Context, db *sql.DB, sessionID int64) (fuser.Config, error) {
	var data sql.NullString
	err := db.QueryRowContext(ctx, selectSessionConfigSQL, sessionID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return fuser.Config{}, fmt.Errorf("session %d not found", sessionID)
	}
	if err != nil {
		return fuser.Config{}, fmt.Errorf("querying session config: %w", err)
	}

	cfg := fuser.DefaultConfig()
	if !data.Valid {
		return cfg, nil
	}
	var stored storedConfig
	if err := json.Unmarshal([]byte(data.String), &stored); err != nil {
		logger.Printf("Session %d config is unreadable, using defaults: %v", sessionID, err)
		return cfg, nil
	}
	if stored.Fuser != nil {
		cfg = *stored.Fuser
	}
	return cfg, nil
}

func openReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("session store %s: %w", path, err)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("opening read connection: %w", err)
	}
	return db, nil
}

// Sessions перечисляет записанные сессии
func Sessions(ctx context.Context, path string) (sessions []Info, err error) {
	db, err := openReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer closeWithError(db, &err)

	rows, err := db.QueryContext(ctx, selectSessionsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var (
			info        Info
			start, last int64
			version     int64
		)
		if err = rows.Scan(&info.ID, &start, &info.Ticks, &version, &last); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		info.StartedAt = time.Unix(0, start)
		info.LastTick = time.Unix(0, last)
		info.Version = uint64(version)
		sessions = append(sessions, info)
	}
	return sessions, rows.Err()
}

// Replay заново сливает записанные входные данные сессии с настройками
// слияния этой сессии и сверяет версии с записанными. opts переопределяют
// сохраненные настройки. Используется для диагностики и тестов.
func Replay(ctx context.Context, path string, sessionID int64, opts ...ReplayOption) (result Result, err error) {
	db, err := openReadOnly(path)
	if err != nil {
		return Result{}, err
	}
	defer closeWithError(db, &err)

	cfg, err := fuserConfig(ctx, db, sessionID)
	if err != nil {
		return Result{}, err
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f := fuser.New(cfg)
	result.Config = cfg

	inputs, err := loadInputs(ctx, db, sessionID)
	if err != nil {
		return Result{}, err
	}

	rows, err := db.QueryContext(ctx, selectTicksSQL, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("querying ticks: %w", err)
	}
	defer closeWithError(rows, &err)

	state := fuser.VehicleState{}
	for rows.Next() {
		var tick, at, version int64
		if err = rows.Scan(&tick, &at, &version); err != nil {
			return Result{}, fmt.Errorf("scanning tick: %w", err)
		}

		batch := inputs[tick]
		state = f.Fuse(state, batch)
		result.Ticks++
		result.Inputs += len(batch)
		if state.Version != uint64(version) {
			result.Mismatches = append(result.Mismatches, uint64(tick))
		}
	}
	if err = rows.Err(); err != nil {
		return Result{}, err
	}
	if result.Ticks == 0 {
		return Result{}, fmt.Errorf("session %d has no recorded ticks", sessionID)
	}

	result.Final = state
	return result, nil
}

func loadInputs(ctx context.Context, db *sql.DB, sessionID int64) (byTick map[int64][]common.Input, err error) {
	rows, err := db.QueryContext(ctx, selectInputsSQL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying inputs: %w", err)
	}
	defer closeWithError(rows, &err)

	byTick = make(map[int64][]common.Input)
	for rows.Next() {
		var (
			tick    int64
			kind    string
			payload string
		)
		if err = rows.Scan(&tick, &kind, &payload); err != nil {
			return nil, fmt.Errorf("scanning input: %w", err)
		}
		in, decErr := decodeInput(kind, []byte(payload))
		if decErr != nil {
			return nil, fmt.Errorf("decoding input of tick %d: %w", tick, decErr)
		}
		byTick[tick] = append(byTick[tick], in)
	}
	return byTick, rows.Err()
}
