package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestClassifyDBError_Nil(t *testing.T) {
	assert.Nil(t, ClassifyDBError(nil))
}

func TestClassifyDBError_GORMRecordNotFound(t *testing.T) {
	err := gorm.ErrRecordNotFound
	dbErr := ClassifyDBError(err)

	assert.NotNil(t, dbErr)
	assert.Equal(t, ErrorTypeNotFound, dbErr.Type)
	assert.Equal(t, "record not found", dbErr.Message)
	assert.True(t, errors.Is(dbErr.OriginalErr, gorm.ErrRecordNotFound))
}

func TestClassifyDBError_WrappedRecordNotFound(t *testing.T) {
	// Repositories wrap the gorm error with context; classification must
	// still see through the chain.
	err := fmt.Errorf("failed to get circuit state for model-provider: %w", gorm.ErrRecordNotFound)

	dbErr := ClassifyDBError(err)
	assert.Equal(t, ErrorTypeNotFound, dbErr.Type)
	assert.True(t, IsNotFoundError(err))
}

func TestClassifyDBError_MySQLDuplicateKey(t *testing.T) {
	mysqlErr := &mysql.MySQLError{
		Number:  1062,
		Message: "Duplicate entry 'model-provider' for key 'PRIMARY'",
	}

	dbErr := ClassifyDBError(mysqlErr)

	assert.NotNil(t, dbErr)
	assert.Equal(t, ErrorTypeDuplicateKey, dbErr.Type)
	assert.Equal(t, uint16(1062), dbErr.MySQLErrCode)
	assert.Equal(t, "duplicate key constraint violation", dbErr.Message)
	assert.Contains(t, dbErr.Error(), "MySQL error 1062")
	assert.True(t, IsDuplicateKeyError(mysqlErr))
}

func TestClassifyDBError_MySQLDeadlock(t *testing.T) {
	mysqlErr := &mysql.MySQLError{
		Number:  1213,
		Message: "Deadlock found when trying to get lock",
	}

	dbErr := ClassifyDBError(mysqlErr)
	assert.Equal(t, ErrorTypeDeadlock, dbErr.Type)
	assert.True(t, IsDeadlockError(mysqlErr))
}

func TestClassifyDBError_MySQLInvalidValue(t *testing.T) {
	for _, code := range []uint16{1048, 1265, 1366} {
		mysqlErr := &mysql.MySQLError{Number: code, Message: "bad value"}
		dbErr := ClassifyDBError(mysqlErr)
		assert.Equal(t, ErrorTypeInvalidValue, dbErr.Type, "code %d", code)
	}
}

func TestClassifyDBError_MySQLUnknownCode(t *testing.T) {
	mysqlErr := &mysql.MySQLError{Number: 1146, Message: "Table doesn't exist"}

	dbErr := ClassifyDBError(mysqlErr)
	assert.Equal(t, ErrorTypeUnknown, dbErr.Type)
	assert.Equal(t, uint16(1146), dbErr.MySQLErrCode)
}

func TestClassifyDBError_ConnectionErrors(t *testing.T) {
	tests := []string{
		"dial tcp 127.0.0.1:3306: connect: connection refused",
		"read tcp 10.0.0.1:52012: connection reset by peer",
		"write: broken pipe",
		"lookup mysql.internal: no such host",
		"invalid connection: timeout",
	}

	for _, msg := range tests {
		err := errors.New(msg)
		dbErr := ClassifyDBError(err)
		assert.Equal(t, ErrorTypeConnectionError, dbErr.Type, msg)
		assert.True(t, IsConnectionError(err), msg)
	}
}

func TestClassifyDBError_Unknown(t *testing.T) {
	err := errors.New("something else entirely")

	dbErr := ClassifyDBError(err)
	assert.Equal(t, ErrorTypeUnknown, dbErr.Type)
	assert.False(t, IsNotFoundError(err))
	assert.False(t, IsConnectionError(err))
}

func TestDatabaseError_Unwrap(t *testing.T) {
	orig := gorm.ErrRecordNotFound
	dbErr := ClassifyDBError(orig)

	assert.True(t, errors.Is(dbErr, gorm.ErrRecordNotFound))
}
