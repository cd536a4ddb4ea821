package gcp

import (
	"context"
	"fmt"

	identitytoolkit "google.golang.org/api/identitytoolkit/v2"

	"github.com/openfroyo/fnrelease/pkg/backend"
)

type (
	adminConfig      = identitytoolkit.GoogleCloudIdentitytoolkitAdminV2Config
	blockingConfig   = identitytoolkit.GoogleCloudIdentitytoolkitAdminV2BlockingFunctionsConfig
	blockingTrigger  = identitytoolkit.GoogleCloudIdentitytoolkitAdminV2Trigger
	forwardedCredset = identitytoolkit.GoogleCloudIdentitytoolkitAdminV2ForwardInboundCredentials
)

// ConfigStore reads and patches identity platform project configs.
type ConfigStore interface {
	GetConfig(ctx context.Context, name string) (*adminConfig, error)
	UpdateConfig(ctx context.Context, name string, cfg *adminConfig, updateMask string) error
}

// projectsConfig is the ConfigStore of the identity toolkit projects service.
type projectsConfig struct {
	projects *identitytoolkit.ProjectsService
}

func (p *projectsConfig) GetConfig(ctx context.Context, name string) (*adminConfig, error) {
	cfg, err := p.projects.GetConfig(name).Context(ctx).Do()
	return cfg, fromREST(err)
}

func (p *projectsConfig) UpdateConfig(ctx context.Context, name string, cfg *adminConfig, updateMask string) error {
	_, err := p.projects.UpdateConfig(name, cfg).UpdateMask(updateMask).Context(ctx).Do()
	return fromREST(err)
}

// IdentityPlatform is the blocking trigger registry.
type IdentityPlatform struct {
	store ConfigStore
}

// NewIdentityPlatform wraps a config store.
func NewIdentityPlatform(store ConfigStore) *IdentityPlatform {
	return &IdentityPlatform{store: store}
}

func blockingEventName(eventType string) (string, error) {
	switch eventType {
	case backend.BeforeCreateEvent:
		return "beforeCreate", nil
	case backend.BeforeSignInEvent:
		return "beforeSignIn", nil
	default:
		return "", fmt.Errorf("unsupported blocking event type %q", eventType)
	}
}

func configName(project string) string {
	return fmt.Sprintf("projects/%s/config", project)
}

// blockingFunctions fetches the current registry for project, never nil.
func (p *IdentityPlatform) blockingFunctions(ctx context.Context, project string) (*blockingConfig, error) {
	cfg, err := p.store.GetConfig(ctx, configName(project))
	if err != nil {
		return nil, err
	}
	bf := cfg.BlockingFunctions
	if bf == nil {
		bf = &blockingConfig{}
	}
	if bf.Triggers == nil {
		bf.Triggers = make(map[string]blockingTrigger)
	}
	return bf, nil
}

func (p *IdentityPlatform) setBlockingFunctions(ctx context.Context, project string, bf *blockingConfig) error {
	cfg := &adminConfig{BlockingFunctions: bf}
	if len(bf.Triggers) == 0 {
		cfg.ForceSendFields = []string{"BlockingFunctions"}
		bf.ForceSendFields = []string{"Triggers"}
	}
	return p.store.UpdateConfig(ctx, configName(project), cfg, "blockingFunctions")
}

// RegisterTrigger points the endpoint's lifecycle event at its URI.
func (p *IdentityPlatform) RegisterTrigger(ctx context.Context, e *backend.Endpoint) error {
	bt, ok := e.Trigger.(*backend.BlockingTrigger)
	if !ok {
		return fmt.Errorf("endpoint %s is not a blocking function", backend.Label(e))
	}
	event, err := blockingEventName(bt.EventType)
	if err != nil {
		return err
	}

	bf, err := p.blockingFunctions(ctx, e.Project)
	if err != nil {
		return err
	}

	creds := &forwardedCredset{
		IdToken:      optionBool(bt.Options, "idToken"),
		AccessToken:  optionBool(bt.Options, "accessToken"),
		RefreshToken: optionBool(bt.Options, "refreshToken"),
	}
	current, exists := bf.Triggers[event]
	if exists && current.FunctionUri == e.URI && sameCredentials(bf.ForwardInboundCredentials, creds) {
		return nil
	}

	bf.Triggers[event] = blockingTrigger{FunctionUri: e.URI}
	bf.ForwardInboundCredentials = creds
	return p.setBlockingFunctions(ctx, e.Project, bf)
}

// UnregisterTrigger removes the endpoint's registration if it still owns the event.
func (p *IdentityPlatform) UnregisterTrigger(ctx context.Context, e *backend.Endpoint) error {
	bt, ok := e.Trigger.(*backend.BlockingTrigger)
	if !ok {
		return fmt.Errorf("endpoint %s is not a blocking function", backend.Label(e))
	}
	event, err := blockingEventName(bt.EventType)
	if err != nil {
		return err
	}

	bf, err := p.blockingFunctions(ctx, e.Project)
	if err != nil {
		return err
	}
	current, exists := bf.Triggers[event]
	if !exists || current.FunctionUri != e.URI {
		return nil
	}
	delete(bf.Triggers, event)
	return p.setBlockingFunctions(ctx, e.Project, bf)
}

func optionBool(options map[string]any, key string) bool {
	v, _ := options[key].(bool)
	return v
}

func sameCredentials(a, b *forwardedCredset) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IdToken == b.IdToken && a.AccessToken == b.AccessToken && a.RefreshToken == b.RefreshToken
}
