package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/vectorsync/internal/model"
	"github.com/Aman-CERP/vectorsync/internal/source"
)

func TestTable_ChangeLog(t *testing.T) {
	// Given: a single-partition table with two writes and a delete
	ctx := context.Background()
	tbl := New().CreateTable("ks.t", []string{"id"}, 1)
	_, err := tbl.Put(map[string]any{"id": 1, "v": []float32{1}})
	require.NoError(t, err)
	_, err = tbl.Put(map[string]any{"id": 2, "v": []float32{2}})
	require.NoError(t, err)
	_, err = tbl.Delete(map[string]any{"id": 1})
	require.NoError(t, err)

	// When: reading after position 1 with a limit of 1
	batch, err := tbl.Read(ctx, "p0", 1, 1)

	// Then: exactly the second record is returned and head is 3
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, model.Position(2), batch.Records[0].Position)
	assert.Equal(t, model.Position(3), batch.Head)
	assert.Equal(t, 1, tbl.Len())

	empty, err := tbl.Read(ctx, "p0", 3, 10)
	require.NoError(t, err)
	assert.Empty(t, empty.Records)
}

func TestTable_TimestampsIncrease(t *testing.T) {
	tbl := New().CreateTable("t", []string{"id"}, 1)
	for i := 0; i < 50; i++ {
		_, err := tbl.Put(map[string]any{"id": i})
		require.NoError(t, err)
	}
	batch, err := tbl.Read(context.Background(), "p0", 0, 0)
	require.NoError(t, err)
	for i := 1; i < len(batch.Records); i++ {
		assert.True(t, batch.Records[i].Timestamp.After(batch.Records[i-1].Timestamp))
	}
}

func TestTable_ScanPagesCoverAllRows(t *testing.T) {
	// Given: 100 rows across 4 partitions
	ctx := context.Background()
	tbl := New().CreateTable("t", []string{"id"}, 4)
	for i := 0; i < 100; i++ {
		_, err := tbl.PutAt(time.UnixMicro(int64(i+1)), map[string]any{"id": i})
		require.NoError(t, err)
	}

	// When: scanning every range in pages of 7
	ranges, err := tbl.Ranges(ctx, 5)
	require.NoError(t, err)
	require.Len(t, ranges, 5)

	seen := make(map[any]bool)
	for _, r := range ranges {
		token := ""
		for {
			page, err := tbl.Scan(ctx, r, token, 7)
			require.NoError(t, err)
			for _, row := range page.Rows {
				assert.False(t, seen[row.Columns["id"]], "row returned twice")
				seen[row.Columns["id"]] = true
				assert.False(t, row.WriteTime.IsZero())
			}
			token = page.Next
			if page.Done {
				break
			}
		}
	}

	// Then: every row is seen exactly once
	assert.Len(t, seen, 100)
}

func TestTable_FaultInjection(t *testing.T) {
	ctx := context.Background()
	tbl := New().CreateTable("t", []string{"id"}, 1)
	boom := errors.New("boom")

	tbl.FailReads("p0", 2, boom)
	_, err := tbl.Read(ctx, "p0", 0, 1)
	assert.ErrorIs(t, err, boom)
	_, err = tbl.Read(ctx, "p0", 0, 1)
	assert.ErrorIs(t, err, boom)
	_, err = tbl.Read(ctx, "p0", 0, 1)
	assert.NoError(t, err)

	tbl.FailScans(1, boom)
	_, err = tbl.Scan(ctx, source.Range{}, "", 10)
	assert.ErrorIs(t, err, boom)
	_, err = tbl.Scan(ctx, source.Range{}, "", 10)
	assert.NoError(t, err)

	tbl.Shutdown()
	_, err = tbl.Read(ctx, "p0", 0, 1)
	assert.ErrorIs(t, err, source.ErrClosed)
}

func TestTable_Append(t *testing.T) {
	tbl := New().CreateTable("t", []string{"id"}, 2)
	pos, err := tbl.Append("p1", source.Record{Op: model.OpUpsert, Columns: map[string]any{"id": 1}})
	require.NoError(t, err)
	assert.Equal(t, model.Position(1), pos)

	_, err = tbl.Append("p9", source.Record{})
	assert.Error(t, err)
}

func TestDB_OpenViaRegistry(t *testing.T) {
	ctx := context.Background()
	src, err := source.Open(ctx, DriverName, "ks.registry_test", map[string]string{"key_columns": "id", "partitions": "3"})
	require.NoError(t, err)

	parts, err := src.Partitions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p0", "p1", "p2"}, parts)
	assert.Same(t, Default.Table("ks.registry_test"), src)

	_, err = Default.Open(ctx, "ks.missing", nil)
	assert.Error(t, err)
}
