package document

// StoreError marks a failure of the underlying Persister: storage is broken,
// and retry or abort policy belongs to the embedding application.
type StoreError struct{ Err error }

// Error implements the error interface.
func (e StoreError) Error() string { return "store: " + e.Err.Error() }

// Unwrap returns the wrapped Persister error.
func (e StoreError) Unwrap() error { return e.Err }

// EngineError marks a failure of the CRDT engine: typically, loaded data the
// engine cannot interpret. It's distinct from StoreError so callers can tell
// "my storage is broken" from "the data I loaded is corrupt".
type EngineError struct{ Err error }

// Error implements the error interface.
func (e EngineError) Error() string { return "engine: " + e.Err.Error() }

// Unwrap returns the wrapped engine error.
func (e EngineError) Unwrap() error { return e.Err }
