package service

import (
	"bytes"
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

func TestCodes_Resolve(t *testing.T) {
	st, mock := newMockStore(t)
	codes := NewCodes(st)
	ctx := context.Background()

	t.Run("item envelope", func(t *testing.T) {
		mock.ExpectQuery("SELECT \\* FROM menu_items WHERE id = \\$1").
			WithArgs("item-a").
			WillReturnRows(menuItemRow("item-a", "own-1", "Nasi Goreng", 1500, 10))

		result, err := codes.Resolve(ctx, `{"t":"item","id":"item-a"}`)
		require.NoError(t, err)
		assert.Equal(t, CodeKindItem, result.Kind)
		require.NotNil(t, result.Item)
		assert.Equal(t, "item-a", result.Item.ID)
	})

	t.Run("account envelope", func(t *testing.T) {
		mock.ExpectQuery("SELECT \\* FROM accounts WHERE id = \\$1").
			WithArgs("a1").
			WillReturnRows(accountRow("a1", 1000, "x"))

		result, err := codes.Resolve(ctx, `{"t":"account","id":"a1"}`)
		require.NoError(t, err)
		assert.Equal(t, CodeKindAccount, result.Kind)
		require.NotNil(t, result.Account)
		assert.Equal(t, "a1", result.Account.ID)
	})

	t.Run("bare barcode value", func(t *testing.T) {
		mock.ExpectQuery("SELECT \\* FROM menu_items WHERE barcode = \\$1").
			WithArgs("8991002101234").
			WillReturnRows(menuItemRow("item-a", "own-1", "Nasi Goreng", 1500, 10))

		result, err := codes.Resolve(ctx, "8991002101234")
		require.NoError(t, err)
		assert.Equal(t, CodeKindItem, result.Kind)
	})

	t.Run("bare account id falls through item lookups", func(t *testing.T) {
		mock.ExpectQuery("SELECT \\* FROM menu_items WHERE barcode = \\$1").
			WithArgs("a1").
			WillReturnRows(sqlmock.NewRows(menuColumns))
		mock.ExpectQuery("SELECT \\* FROM menu_items WHERE id = \\$1").
			WithArgs("a1").
			WillReturnRows(sqlmock.NewRows(menuColumns))
		mock.ExpectQuery("SELECT \\* FROM accounts WHERE id = \\$1").
			WithArgs("a1").
			WillReturnRows(accountRow("a1", 1000, "x"))

		result, err := codes.Resolve(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, CodeKindAccount, result.Kind)
	})

	t.Run("empty input rejected", func(t *testing.T) {
		_, err := codes.Resolve(ctx, "   ")
		assert.ErrorIs(t, err, ErrUnknownCode)
	})

	t.Run("malformed envelope rejected", func(t *testing.T) {
		_, err := codes.Resolve(ctx, `{"t":"mystery","id":"a1"}`)
		assert.ErrorIs(t, err, ErrUnknownCode)
	})
}

func TestCodes_QR(t *testing.T) {
	st, _ := newMockStore(t)
	codes := NewCodes(st)

	png, err := codes.AccountQR("a1")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, pngMagic))

	png, err = codes.ItemQR("item-a")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, pngMagic))
}
