package ledger

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeMarket
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota

	// Market sub-types. FeePool and PnlPool are real quote value held by
	// the market; Amm is the virtual-exposure counterpart that absorbs
	// fees and surplus carved out of the pool's curve pricing.
	SubTypeFeePool
	SubTypePnlPool
	SubTypeAmm

	// System sub-types
	SubTypeRevenuePool

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

// QuoteAsset is the single collateral asset all markets clear in.
const QuoteAsset AssetID = 1

var (
	assetToID = map[string]AssetID{
		"USDC": 1,
	}
	idToAsset = map[AssetID]string{
		1: "USDC",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking (21 bytes, cache-friendly)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, market index for markets
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(owner uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: owner,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewMarketAccountKey creates a key for a market-scoped pool account
func NewMarketAccountKey(marketIndex uint64, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	binary.BigEndian.PutUint64(entityID[8:], marketIndex)
	return AccountKey{
		Scope:    AccountScopeMarket,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(name string, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// RevenuePoolKey is the shared pool residual market value sweeps into.
func RevenuePoolKey(assetID AssetID) AccountKey {
	return NewSystemAccountKey("revenue", SubTypeRevenuePool, assetID)
}

// MarketIndex decodes the market index from a market-scoped key.
func (k AccountKey) MarketIndex() uint64 {
	return binary.BigEndian.Uint64(k.EntityID[8:])
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopeMarket:
		return fmt.Sprintf("market:%d:%s:%s", k.MarketIndex(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath. Snapshot restore uses it
// to turn stored string keys back into AccountKeys.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	if len(parts) < 3 {
		return AccountKey{}, fmt.Errorf("malformed account path: %s", path)
	}

	assetID, ok := GetAssetID(parts[len(parts)-1])
	if !ok {
		return AccountKey{}, fmt.Errorf("unknown asset in path %s", path)
	}

	switch parts[0] {
	case "user":
		if len(parts) != 4 {
			return AccountKey{}, fmt.Errorf("malformed user path: %s", path)
		}
		owner, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("bad uuid in path %s: %w", path, err)
		}
		subType, err := parseSubType(parts[2])
		if err != nil {
			return AccountKey{}, fmt.Errorf("path %s: %w", path, err)
		}
		return NewUserAccountKey(owner, subType, assetID), nil

	case "market":
		if len(parts) != 4 {
			return AccountKey{}, fmt.Errorf("malformed market path: %s", path)
		}
		index, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return AccountKey{}, fmt.Errorf("bad market index in path %s: %w", path, err)
		}
		subType, err := parseSubType(parts[2])
		if err != nil {
			return AccountKey{}, fmt.Errorf("path %s: %w", path, err)
		}
		return NewMarketAccountKey(index, subType, assetID), nil

	case "system":
		if parts[1] != "revenue_pool" {
			return AccountKey{}, fmt.Errorf("unknown system account in path %s", path)
		}
		return RevenuePoolKey(assetID), nil

	case "external":
		subType, err := parseSubType(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("path %s: %w", path, err)
		}
		return NewExternalAccountKey(subType, assetID), nil
	}
	return AccountKey{}, fmt.Errorf("unknown account scope in path %s", path)
}

func parseSubType(name string) (AccountSubType, error) {
	switch name {
	case "collateral":
		return SubTypeCollateral, nil
	case "fee_pool":
		return SubTypeFeePool, nil
	case "pnl_pool":
		return SubTypePnlPool, nil
	case "amm":
		return SubTypeAmm, nil
	case "revenue_pool":
		return SubTypeRevenuePool, nil
	case "deposits":
		return SubTypeExternalDeposits, nil
	case "withdrawals":
		return SubTypeExternalWithdrawals, nil
	}
	return 0, fmt.Errorf("unknown account sub-type %q", name)
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCollateral:
		return "collateral"
	case SubTypeFeePool:
		return "fee_pool"
	case SubTypePnlPool:
		return "pnl_pool"
	case SubTypeAmm:
		return "amm"
	case SubTypeRevenuePool:
		return "revenue_pool"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}
