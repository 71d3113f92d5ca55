package common

import "fmt"

// StoreErrType classifies errors returned by cache and projection stores.
type StoreErrType uint32

const (
	// KeyNotFound is returned when a key has no value in the store.
	KeyNotFound StoreErrType = iota
	// NoSession is returned when a session-scoped operation runs before a
	// session was begun.
	NoSession
	// WrongSession is returned when a stored envelope belongs to another
	// session than the active one.
	WrongSession
	// WrongVersion is returned when a stored envelope was written by a
	// different schema version.
	WrongVersion
	// Corrupt is returned when a stored value cannot be decoded.
	Corrupt
)

// StoreErr is a typed store error.
type StoreErr struct {
	dataType string
	errType  StoreErrType
	key      string
}

// NewStoreErr creates a StoreErr for a given data type, error type, and key.
func NewStoreErr(dataType string, errType StoreErrType, key string) StoreErr {
	return StoreErr{
		dataType: dataType,
		errType:  errType,
		key:      key,
	}
}

// Error implements the error interface.
func (e StoreErr) Error() string {
	m := ""
	switch e.errType {
	case KeyNotFound:
		m = "Not Found"
	case NoSession:
		m = "No Session"
	case WrongSession:
		m = "Wrong Session"
	case WrongVersion:
		m = "Wrong Version"
	case Corrupt:
		m = "Corrupt"
	}

	return fmt.Sprintf("%s, %s, %s", e.dataType, e.key, m)
}

// IsStore checks that an error is of type StoreErr and that its code matches
// the provided StoreErrType.
func IsStore(err error, t StoreErrType) bool {
	storeErr, ok := err.(StoreErr)
	return ok && storeErr.errType == t
}
