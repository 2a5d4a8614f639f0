package audit_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	apitesting "github.com/giftlane/relay/api/testing"
)

var testDB *apitesting.DB

func TestMain(m *testing.M) {
	var err error
	testDB, err = apitesting.NewDB(context.Background(), slog.Default(), nil)
	if err != nil {
		slog.Error("failed to start PostgreSQL container", "error", err)
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	os.Exit(code)
}
