package escrow

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestDeriveAddressIsPure(t *testing.T) {
	factoryA := common.HexToAddress("0x01")
	factoryB := common.HexToAddress("0x02")
	order := common.HexToHash("0xabc")

	a1 := DeriveAddress(factoryA, order, RoleSource)
	a2 := DeriveAddress(factoryA, order, RoleSource)
	assert.Equal(t, a1, a2)

	assert.NotEqual(t, a1, DeriveAddress(factoryA, order, RoleDest))
	assert.NotEqual(t, a1, DeriveAddress(factoryB, order, RoleSource))
	assert.NotEqual(t, common.Address{}, a1)
}
