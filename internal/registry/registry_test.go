package registry_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"journeygate/internal/config"
	"journeygate/internal/domain"
	"journeygate/internal/registry"
)

func TestDefaultCatalogTiers(t *testing.T) {
	reg, err := registry.FromConfig(config.Default("svc"))
	require.NoError(t, err)

	want := map[string]domain.PermissionLevel{
		"property.search":      domain.PermissionAutonomous,
		"property.detail":      domain.PermissionAutonomous,
		"pricing.predict":      domain.PermissionAutonomous,
		"document.analyze":     domain.PermissionAutonomous,
		"market.trends":        domain.PermissionAutonomous,
		"viewing.schedule":     domain.PermissionUserApproval,
		"offer.submit":         domain.PermissionUserApproval,
		"loan.preapproval":     domain.PermissionUserApproval,
		"journey.advance":      domain.PermissionUserApproval,
		"contract.review":      domain.PermissionProfessionalRequired,
		"negotiation.price":    domain.PermissionProfessionalRequired,
		"legal.interpretation": domain.PermissionProfessionalRequired,
	}
	assert.Len(t, reg.List(), len(want))
	for id, level := range want {
		at, err := reg.Lookup(id)
		require.NoError(t, err, id)
		assert.Equal(t, level, at.PermissionLevel, id)
		assert.NotEmpty(t, at.DescriptionJa, id)
		assert.NotEmpty(t, at.DescriptionEn, id)
	}
}

func TestLookupUnknown(t *testing.T) {
	reg, err := registry.New()
	require.NoError(t, err)
	_, err = reg.Lookup("property.teleport")
	assert.ErrorIs(t, err, domain.ErrUnknownActionType)
}

func TestRegisterRejectsRedefinition(t *testing.T) {
	reg, err := registry.New(domain.ActionType{ID: "a", PermissionLevel: domain.PermissionAutonomous})
	require.NoError(t, err)
	err = reg.Register(domain.ActionType{ID: "a", PermissionLevel: domain.PermissionProfessionalRequired})
	require.Error(t, err)
	at, err := reg.Lookup("a")
	require.NoError(t, err)
	assert.Equal(t, domain.PermissionAutonomous, at.PermissionLevel)

	err = reg.Register(domain.ActionType{ID: "b", PermissionLevel: "sometimes"})
	require.Error(t, err)
}

func TestRegisterConcurrentReaders(t *testing.T) {
	reg, err := registry.New()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		id := fmt.Sprintf("custom.%d", i)
		go func() {
			defer wg.Done()
			assert.NoError(t, reg.Register(domain.ActionType{ID: id, PermissionLevel: domain.PermissionUserApproval}))
		}()
		go func() {
			defer wg.Done()
			for _, at := range reg.List() {
				assert.True(t, at.PermissionLevel.Valid())
			}
		}()
	}
	wg.Wait()
	assert.Len(t, reg.List(), 50)
	at, err := reg.Lookup("custom.7")
	require.NoError(t, err)
	assert.Equal(t, domain.PermissionUserApproval, at.PermissionLevel)
}
