package service

import (
	"context"
	"encoding/json"
	"strings"

	"canteen-service/internal/models"
	"canteen-service/internal/store"

	qrcode "github.com/skip2/go-qrcode"
)

// Scan code kinds
const (
	CodeKindItem    = "item"
	CodeKindAccount = "account"
)

// codeEnvelope is the structured form embedded in generated QR images
type codeEnvelope struct {
	Kind string `json:"t"`
	ID   string `json:"id"`
}

// ScanResult is the typed resolution of an opaque scanned string
type ScanResult struct {
	Kind    string           `json:"kind"`
	Item    *models.MenuItem `json:"item,omitempty"`
	Account *models.Account  `json:"account,omitempty"`
}

// Codes resolves opaque scanned strings into menu items or accounts, and
// renders the QR images scanners consume. The camera pipeline itself lives
// outside this service; only plain strings cross the boundary.
type Codes struct {
	store *store.Store
}

// NewCodes creates a new code service
func NewCodes(store *store.Store) *Codes {
	return &Codes{store: store}
}

// Resolve turns a scanned string into a typed reference. Accepted forms:
// a JSON envelope {"t":"item"|"account","id":...}, a menu item barcode
// value, a menu item id, or an account id.
func (c *Codes) Resolve(ctx context.Context, code string) (*ScanResult, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrUnknownCode
	}

	if strings.HasPrefix(code, "{") {
		var envelope codeEnvelope
		if err := json.Unmarshal([]byte(code), &envelope); err == nil && envelope.ID != "" {
			switch envelope.Kind {
			case CodeKindItem:
				item, err := c.store.GetMenuItemByID(ctx, envelope.ID)
				if err != nil {
					return nil, ErrUnknownCode
				}
				return &ScanResult{Kind: CodeKindItem, Item: item}, nil
			case CodeKindAccount:
				account, err := c.store.GetAccountByID(ctx, envelope.ID)
				if err != nil {
					return nil, ErrUnknownCode
				}
				return &ScanResult{Kind: CodeKindAccount, Account: account}, nil
			}
		}
		return nil, ErrUnknownCode
	}

	if item, err := c.store.GetMenuItemByBarcode(ctx, code); err == nil && item != nil {
		return &ScanResult{Kind: CodeKindItem, Item: item}, nil
	}
	if item, err := c.store.GetMenuItemByID(ctx, code); err == nil && item != nil {
		return &ScanResult{Kind: CodeKindItem, Item: item}, nil
	}
	if account, err := c.store.GetAccountByID(ctx, code); err == nil && account != nil {
		return &ScanResult{Kind: CodeKindAccount, Account: account}, nil
	}

	return nil, ErrUnknownCode
}

// AccountQR renders an account's code as a QR PNG
func (c *Codes) AccountQR(accountID string) ([]byte, error) {
	return encodeQR(codeEnvelope{Kind: CodeKindAccount, ID: accountID})
}

// ItemQR renders a menu item's code as a QR PNG
func (c *Codes) ItemQR(itemID string) ([]byte, error) {
	return encodeQR(codeEnvelope{Kind: CodeKindItem, ID: itemID})
}

func encodeQR(envelope codeEnvelope) ([]byte, error) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(string(payload), qrcode.Medium, 256)
}
