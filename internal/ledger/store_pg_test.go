//go:build integration

package ledger

import (
	"testing"

	"github.com/mbd888/pointledger/internal/testutil"
)

func init() {
	postgresFactory = func(t *testing.T) Store { return NewSQLStore(testutil.PG(t)) }
}
