package broker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
)

func testPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("AA_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AA_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := ConnectPostgres(ctx, dsn)
	if err != nil {
		t.Skip("Postgres not available:", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresStore_UpsertMerge(t *testing.T) {
	s := testPostgres(t)
	ctx := context.Background()

	name := "pg-test-" + NewID("x")
	res, err := s.Upsert(ctx, NewOrganization(name, 50, 10).Set("url", Property("a")))
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = s.pool.Exec(ctx, `DELETE FROM entities WHERE id = $1`, res.ID) })

	res2, err := s.Upsert(ctx, NewEntity(TypeOrganization).
		Set("name", Property(name)).
		Set("url", Property("b")).
		Set("legalName", Property("L")))
	require.NoError(t, err)
	assert.Equal(t, res.ID, res2.ID)
	assert.Equal(t, []string{"legalName"}, res2.Appended)

	got, err := s.Get(ctx, res.ID)
	require.NoError(t, err)
	url, _ := got.String("url")
	assert.Equal(t, "a", url)

	require.NoError(t, s.Update(ctx, res.ID, map[string]Attribute{"url": Property("c")}))
	got, err = s.Get(ctx, res.ID)
	require.NoError(t, err)
	url, _ = got.String("url")
	assert.Equal(t, "c", url)
}

func TestPostgresStore_NotFound(t *testing.T) {
	s := testPostgres(t)
	_, err := s.Get(context.Background(), "urn:missing:"+NewID("x"))
	assert.True(t, apperrors.IsNotFound(err))
}
