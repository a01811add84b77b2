package session

const (
	initSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    start_time INTEGER NOT NULL,
    config     TEXT
);

CREATE TABLE IF NOT EXISTS ticks (
    session_id INTEGER NOT NULL REFERENCES sessions (id),
    tick       INTEGER NOT NULL,
    at         INTEGER NOT NULL,
    version    INTEGER NOT NULL,
    state      TEXT    NOT NULL,
    PRIMARY KEY (session_id, tick)
);

CREATE TABLE IF NOT EXISTS inputs (
    session_id INTEGER NOT NULL,
    tick       INTEGER NOT NULL,
    idx        INTEGER NOT NULL,
    kind       TEXT    NOT NULL,
    payload    TEXT    NOT NULL,
    PRIMARY KEY (session_id, tick, idx)
);`

	insertSessionSQL = `
INSERT INTO sessions (start_time, config)
VALUES (?, ?)`

	insertTickSQL = `
INSERT INTO ticks (session_id, tick, at, version, state)
VALUES (?, ?, ?, ?, ?)`

	insertInputSQL = `
INSERT INTO inputs (session_id, tick, idx, kind, payload)
VALUES (?, ?, ?, ?, ?)`

	selectSessionsSQL = `
SELECT s.id,
       s.start_time,
       COUNT(t.tick),
       COALESCE(MAX(t.version), 0),
       COALESCE(MAX(t.at), s.start_time)
FROM sessions s
         LEFT JOIN ticks t ON t.session_id = s.id
GROUP BY s.id
ORDER BY s.id`

	selectSessionConfigSQL = `
SELECT config
FROM sessions
WHERE id = ?`

	selectTicksSQL = `
SELECT tick, at, version
FROM ticks
WHERE session_id = ?
ORDER BY tick`

	selectInputsSQL = `
SELECT tick, kind, payload
FROM inputs
WHERE session_id = ?
ORDER BY tick, idx`
)
