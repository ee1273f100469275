package mssql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSavepointNamePatternAcceptsValidIdentifiers(t *testing.T) {
	for _, name := range []string{"sp1", "_sp", "Checkpoint_A", "a"} {
		assert.True(t, savepointNamePattern.MatchString(name), name)
	}
}

func TestSavepointNamePatternRejectsInvalidIdentifiers(t *testing.T) {
	for _, name := range []string{"", "1sp", "sp-1", "sp 1", "sp;drop table x"} {
		assert.False(t, savepointNamePattern.MatchString(name), name)
	}
}

func TestSavePointRejectsInvalidNameBeforeTouchingTheWire(t *testing.T) {
	tx := &Tx{conn: &Conn{}}
	err := tx.SavePoint(nil, "bad name")
	assert.Error(t, err)
}

func TestRollbackToRejectsInvalidNameBeforeTouchingTheWire(t *testing.T) {
	tx := &Tx{conn: &Conn{}}
	err := tx.RollbackTo(nil, "bad name")
	assert.Error(t, err)
}

func TestBeginTxRejectsWhenAlreadyInTransaction(t *testing.T) {
	conn := &Conn{}
	conn.txn.Active = true
	_, err := conn.BeginTx(nil)
	assert.Error(t, err)
}
