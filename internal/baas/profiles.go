package baas

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tyemirov/taskdesk/internal/session"
)

type profileRow struct {
	Name  string `json:"name"`
	Store string `json:"store"`
	Role  string `json:"role"`
}

type profileInsert struct {
	AuthID string `json:"auth_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Store  string `json:"store"`
	Role   string `json:"role"`
}

func (client *Client) tablePath() string {
	return restPrefix + "/" + client.profilesTable
}

// SelectProfile reads the profile row keyed by the identity.
func (client *Client) SelectProfile(ctx context.Context, identityID string) (session.Profile, error) {
	var row profileRow
	err := client.do(ctx, apiRequest{
		method: http.MethodGet,
		path:   client.tablePath(),
		query: url.Values{
			"select":  []string{"name,store,role"},
			"auth_id": []string{"eq." + identityID},
		},
		bearer: client.accessToken(ctx),
		accept: mediaObject,
	}, &row)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.Code == codeNoRows || apiErr.Status == http.StatusNotAcceptable) {
			return session.Profile{}, fmt.Errorf("baas.select_profile: %w", session.ErrProfileNotFound)
		}
		return session.Profile{}, fmt.Errorf("baas.select_profile: %w", err)
	}
	return session.Profile{
		Name:     row.Name,
		StoreRef: row.Store,
		Role:     session.ParseRole(row.Role),
	}, nil
}

// InsertProfile writes the profile row created at registration.
func (client *Client) InsertProfile(ctx context.Context, record session.ProfileRecord) error {
	err := client.do(ctx, apiRequest{
		method: http.MethodPost,
		path:   client.tablePath(),
		body: []profileInsert{{
			AuthID: record.AuthID,
			Name:   record.Name,
			Email:  record.Email,
			Store:  record.StoreRef,
			Role:   record.Role.String(),
		}},
		bearer:  client.accessToken(ctx),
		headers: map[string]string{headerPrefer: "return=minimal"},
	}, nil)
	if err != nil {
		return fmt.Errorf("baas.insert_profile: %w", err)
	}
	return nil
}

// Probe runs the lightweight reachability query used by the connection monitor.
func (client *Client) Probe(ctx context.Context) error {
	var rows []map[string]any
	err := client.do(ctx, apiRequest{
		method: http.MethodGet,
		path:   client.tablePath(),
		query: url.Values{
			"select": []string{"id"},
			"limit":  []string{"1"},
		},
	}, &rows)
	if err != nil {
		return fmt.Errorf("baas.probe: %w", err)
	}
	return nil
}
