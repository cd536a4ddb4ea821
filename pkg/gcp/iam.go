package gcp

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"cloud.google.com/go/iam/apiv1/iampb"
	run "cloud.google.com/go/run/apiv2"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/protobuf/types/known/fieldmaskpb"
)

// PolicyClient reads and writes the IAM policy of the resources one API
// owns. The function, service and queue clients all implement it.
type PolicyClient interface {
	GetIamPolicy(ctx context.Context, req *iampb.GetIamPolicyRequest, opts ...gax.CallOption) (*iampb.Policy, error)
	SetIamPolicy(ctx context.Context, req *iampb.SetIamPolicyRequest, opts ...gax.CallOption) (*iampb.Policy, error)
}

// InvokerMembers converts an invoker allow-list into IAM members. "public"
// becomes allUsers, "private" grants nothing, emails become service accounts,
// and bare names are expanded to project service accounts.
func InvokerMembers(project string, invoker []string) []string {
	var members []string
	for _, who := range invoker {
		switch {
		case who == "public":
			members = append(members, "allUsers")
		case who == "private":
		case strings.HasPrefix(who, "serviceAccount:"), strings.HasPrefix(who, "user:"):
			members = append(members, who)
		case strings.Contains(who, "@"):
			members = append(members, "serviceAccount:"+who)
		default:
			members = append(members, fmt.Sprintf("serviceAccount:%s@%s.iam.gserviceaccount.com", who, project))
		}
	}
	sort.Strings(members)
	return members
}

func projectOf(resource string) string {
	parts := strings.Split(resource, "/")
	if len(parts) >= 2 && parts[0] == "projects" {
		return parts[1]
	}
	return ""
}

var bindingsMask = &fieldmaskpb.FieldMask{Paths: []string{"bindings"}}

// setInvokerCreate writes a policy holding only the invoker binding.
func setInvokerCreate(ctx context.Context, c PolicyClient, resource, role string, invoker []string) error {
	if len(invoker) == 0 {
		return fmt.Errorf("invoker cannot be an empty list")
	}
	if slices.Contains(invoker, "private") {
		return nil
	}
	_, err := c.SetIamPolicy(ctx, &iampb.SetIamPolicyRequest{
		Resource: resource,
		Policy: &iampb.Policy{Bindings: []*iampb.Binding{{
			Role:    role,
			Members: InvokerMembers(projectOf(resource), invoker),
		}}},
		UpdateMask: bindingsMask,
	})
	return err
}

// setInvokerUpdate replaces only the invoker binding of the current policy.
func setInvokerUpdate(ctx context.Context, c PolicyClient, resource, role string, invoker []string) error {
	if len(invoker) == 0 {
		return fmt.Errorf("invoker cannot be an empty list")
	}
	members := InvokerMembers(projectOf(resource), invoker)
	if slices.Contains(invoker, "private") {
		members = nil
	}

	current, err := c.GetIamPolicy(ctx, &iampb.GetIamPolicyRequest{
		Resource: resource,
		Options:  &iampb.GetPolicyOptions{RequestedPolicyVersion: 3},
	})
	if err != nil {
		return fmt.Errorf("failed to get current policy of %s: %w", resource, err)
	}

	var existing []string
	bindings := make([]*iampb.Binding, 0, len(current.GetBindings())+1)
	for _, b := range current.GetBindings() {
		if b.GetRole() == role {
			existing = append(existing, b.GetMembers()...)
			continue
		}
		bindings = append(bindings, b)
	}
	sort.Strings(existing)
	if slices.Equal(existing, members) {
		return nil
	}
	if len(members) > 0 {
		bindings = append(bindings, &iampb.Binding{Role: role, Members: members})
	}

	_, err = c.SetIamPolicy(ctx, &iampb.SetIamPolicyRequest{
		Resource: resource,
		Policy: &iampb.Policy{
			Version:  current.GetVersion(),
			Bindings: bindings,
			Etag:     current.GetEtag(),
		},
		UpdateMask: bindingsMask,
	})
	return err
}

// Run sets invoker policies on the services backing v2 functions.
type Run struct {
	client PolicyClient
}

// NewRun wraps a services client.
func NewRun(client PolicyClient) *Run {
	return &Run{client: client}
}

var _ PolicyClient = (*run.ServicesClient)(nil)

// SetInvokerCreate replaces the invoker binding of a newly created service.
func (r *Run) SetInvokerCreate(ctx context.Context, service string, invoker []string) error {
	return setInvokerCreate(ctx, r.client, service, "roles/run.invoker", invoker)
}

// SetInvokerUpdate merges invoker into the service's existing policy.
func (r *Run) SetInvokerUpdate(ctx context.Context, service string, invoker []string) error {
	return setInvokerUpdate(ctx, r.client, service, "roles/run.invoker", invoker)
}
