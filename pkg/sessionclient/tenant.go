package sessionclient

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	storageKeyTenantName = "school_name"
	storageKeyTenantIcon = "school_icon"
	simpleContextFlight  = "simple-context"
)

// TenantContext is the active school a user operates within.
type TenantContext struct {
	TenantID string
	Role     string
	Name     string
	Icon     string
}

// SimpleUser is the identity part of the simple-context response.
type SimpleUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// TenantMembership is one school the user belongs to.
type TenantMembership struct {
	SchoolID   string `json:"school_id"`
	SchoolName string `json:"school_name"`
	Role       string `json:"role"`
	Icon       string `json:"icon,omitempty"`
}

// SimpleContext answers "who am I and which schools do I belong to".
type SimpleContext struct {
	User        SimpleUser         `json:"user"`
	Memberships []TenantMembership `json:"memberships"`
}

// Membership finds the membership for schoolID.
func (simpleContext *SimpleContext) Membership(schoolID string) (TenantMembership, bool) {
	if simpleContext == nil {
		return TenantMembership{}, false
	}
	for _, membership := range simpleContext.Memberships {
		if membership.SchoolID == schoolID {
			return membership, true
		}
	}
	return TenantMembership{}, false
}

func (simpleContext *SimpleContext) clone() *SimpleContext {
	copied := *simpleContext
	copied.Memberships = append([]TenantMembership(nil), simpleContext.Memberships...)
	return &copied
}

type simpleContextCache struct {
	mutex      sync.Mutex
	value      *SimpleContext
	storedAt   time.Time
	generation uint64
	ttl        time.Duration
	clock      Clock
}

func newSimpleContextCache(ttl time.Duration, clock Clock) *simpleContextCache {
	return &simpleContextCache{ttl: ttl, clock: clock}
}

func (cache *simpleContextCache) get() (*SimpleContext, uint64, bool) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	if cache.value == nil || cache.clock.Now().Sub(cache.storedAt) >= cache.ttl {
		cache.value = nil
		return nil, cache.generation, false
	}
	return cache.value.clone(), cache.generation, true
}

// store keeps value only if nothing invalidated the cache since generation was read.
func (cache *simpleContextCache) store(generation uint64, value *SimpleContext) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	if generation != cache.generation {
		return
	}
	cache.value = value.clone()
	cache.storedAt = cache.clock.Now()
}

func (cache *simpleContextCache) invalidate() {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	cache.generation++
	cache.value = nil
}

// ActiveTenant reads the tenant context from the cookie and per-tab scopes.
func (client *Client) ActiveTenant() (TenantContext, bool) {
	tenantID, ok := client.cookies.Get(TenantCookieName)
	tenantID = strings.TrimSpace(tenantID)
	if !ok || tenantID == "" {
		return TenantContext{}, false
	}
	role, _ := client.cookies.Get(RoleCookieName)
	name, _ := client.tabStorage.Get(storageKeyTenantName)
	icon, _ := client.tabStorage.Get(storageKeyTenantIcon)
	return TenantContext{TenantID: tenantID, Role: role, Name: name, Icon: icon}, true
}

// SetActiveTenant persists tenant, drops the cached simple context, and publishes
// tenant-context-changed.
func (client *Client) SetActiveTenant(tenant TenantContext) error {
	tenant.TenantID = strings.TrimSpace(tenant.TenantID)
	if tenant.TenantID == "" {
		return fmt.Errorf("session.tenant.set: %w", ErrUnknownTenant)
	}
	options := CookieOptions{
		Days:     client.tenantCookieDays,
		Path:     "/",
		Secure:   client.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
	client.cookies.Set(TenantCookieName, tenant.TenantID, options)
	if tenant.Role != "" {
		client.cookies.Set(RoleCookieName, tenant.Role, options)
	} else {
		client.cookies.Delete(RoleCookieName, "/")
	}
	writeOrRemove(client.tabStorage, storageKeyTenantName, tenant.Name)
	writeOrRemove(client.tabStorage, storageKeyTenantIcon, tenant.Icon)
	client.contextCache.invalidate()

	published := tenant
	client.events.publish(Event{Kind: EventTenantContextChanged, Tenant: &published})
	return nil
}

// ClearActiveTenant removes the tenant context from both scopes.
func (client *Client) ClearActiveTenant() {
	client.cookies.Delete(TenantCookieName, "/")
	client.cookies.Delete(RoleCookieName, "/")
	client.tabStorage.Remove(storageKeyTenantName)
	client.tabStorage.Remove(storageKeyTenantIcon)
	client.contextCache.invalidate()
	client.events.publish(Event{Kind: EventTenantContextChanged})
}

// SwitchTenant activates schoolID if the simple context lists it as a membership.
func (client *Client) SwitchTenant(ctx context.Context, schoolID string) (TenantContext, error) {
	simpleContext, fetchErr := client.SimpleContext(ctx)
	if fetchErr != nil {
		return TenantContext{}, fetchErr
	}
	membership, ok := simpleContext.Membership(strings.TrimSpace(schoolID))
	if !ok {
		return TenantContext{}, fmt.Errorf("session.tenant.switch: %w: %s", ErrUnknownTenant, schoolID)
	}
	tenant := TenantContext{
		TenantID: membership.SchoolID,
		Role:     membership.Role,
		Name:     membership.SchoolName,
		Icon:     membership.Icon,
	}
	if setErr := client.SetActiveTenant(tenant); setErr != nil {
		return TenantContext{}, setErr
	}
	return tenant, nil
}

// SimpleContext returns the who-am-I response, cached for the configured TTL.
func (client *Client) SimpleContext(ctx context.Context) (*SimpleContext, error) {
	if cached, _, ok := client.contextCache.get(); ok {
		return cached, nil
	}
	resultChannel := client.flights.DoChan(simpleContextFlight, func() (any, error) {
		return client.fetchSimpleContext(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("session.simple_context: %w", ctx.Err())
	case result := <-resultChannel:
		if result.Err != nil {
			return nil, result.Err
		}
		simpleContext, _ := result.Val.(*SimpleContext)
		return simpleContext.clone(), nil
	}
}

// InvalidateSimpleContext drops the cached who-am-I response.
func (client *Client) InvalidateSimpleContext() {
	client.contextCache.invalidate()
}

func (client *Client) fetchSimpleContext(ctx context.Context) (*SimpleContext, error) {
	_, generation, _ := client.contextCache.get()
	response, requestErr := client.Do(ctx, &Request{Method: http.MethodGet, Path: PathSimpleContext})
	if requestErr != nil {
		client.logger.Debug("simple context request failed",
			zap.String("code", "session.simple_context.failed"),
			zap.Error(requestErr))
		return nil, requestErr
	}
	var payload envelope[*SimpleContext]
	if decodeErr := response.DecodeJSON(&payload); decodeErr != nil {
		return nil, decodeErr
	}
	if payload.Data == nil {
		return nil, fmt.Errorf("session.simple_context: %w", ErrSimpleContextAbsent)
	}
	client.contextCache.store(generation, payload.Data)
	return payload.Data, nil
}

func writeOrRemove(storage Storage, key string, value string) {
	if value == "" {
		storage.Remove(key)
		return
	}
	storage.Set(key, value)
}
