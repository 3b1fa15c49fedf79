package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/cuemby/certwarden/pkg/types"
)

// Cluster endpoints served by every member's API
const (
	JoinPath  = "/v1/cluster/join"
	ApplyPath = "/v1/cluster/apply"
)

// JoinRequest is sent by a node asking the leader for membership
type JoinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
	APIAddr  string `json:"api_addr"`
	Token    string `json:"token"`
}

// Validate checks that every field is present
func (r *JoinRequest) Validate() error {
	err := validation.ValidateStruct(r,
		validation.Field(&r.NodeID, validation.Required),
		validation.Field(&r.RaftAddr, validation.Required),
		validation.Field(&r.APIAddr, validation.Required),
		validation.Field(&r.Token, validation.Required),
	)
	if err != nil {
		return fmt.Errorf("%s%w", err.Error(), types.ErrInvalidParameter)
	}
	return nil
}

func endpoint(addr, path string) string {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimSuffix(addr, "/") + path
}

// Join asks the leader reachable at leaderAPI to admit this node. A node that
// already holds raft state is a member and only refreshes its registration.
func (m *Manager) Join(ctx context.Context, leaderAPI, token string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if m.hasState {
		m.logger.Info().Msg("Existing raft state found, rejoining as known member")
		return m.registerSelf(ctx)
	}

	req := &JoinRequest{
		NodeID:   m.nodeID,
		RaftAddr: string(m.transport.LocalAddr()),
		APIAddr:  m.apiAddr,
		Token:    token,
	}
	if err := req.Validate(); err != nil {
		return err
	}

	m.logger.Info().Str("leader", leaderAPI).Msg("Joining cluster")

	err := retry.Do(
		func() error { return m.postJoin(ctx, leaderAPI, req) },
		retry.Context(ctx),
		retry.Attempts(10),
		retry.Delay(time.Second),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !errors.Is(err, ErrInvalidToken) }),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Warn().Err(err).Uint("attempt", n+1).Msg("Join attempt failed")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to join cluster via %s: %w", leaderAPI, err)
	}

	m.logger.Info().Msg("Joined cluster")
	return nil
}

func (m *Manager) postJoin(ctx context.Context, leaderAPI string, req *JoinRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint(leaderAPI, JoinPath), bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrInvalidToken
	default:
		return responseError(resp)
	}
}

// forward sends cmd to the leader's API. Transport failures and leader
// changes are retried; a command rejected by the FSM is not.
func (m *Manager) forward(cmd *Command) (*ApplyResult, error) {
	var res *ApplyResult
	err := retry.Do(
		func() error {
			addr, err := m.leaderAPIAddr()
			if err != nil {
				return err
			}
			res, err = m.postApply(addr, cmd)
			return err
		},
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to forward %s to leader: %w", cmd.Op, err)
	}
	return res, nil
}

func (m *Manager) leaderAPIAddr() (string, error) {
	_, id := m.raft.LeaderWithID()
	if id == "" {
		return "", ErrNoLeader
	}
	member, err := m.store.GetMember(string(id))
	if err != nil {
		return "", fmt.Errorf("leader %s has no registered API address: %w", id, err)
	}
	return member.APIAddr, nil
}

func (m *Manager) postApply(addr string, cmd *Command) (*ApplyResult, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, endpoint(addr, ApplyPath), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.signer != nil {
		if err := m.signer.Sign(req, m.nodeID, body); err != nil {
			return nil, err
		}
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var res ApplyResult
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return nil, fmt.Errorf("failed to decode apply response: %w", err)
		}
		return &res, nil
	case http.StatusServiceUnavailable:
		return nil, ErrNotLeader
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, retry.Unrecoverable(fmt.Errorf("leader refused forwarded write: %w", responseError(resp)))
	default:
		return nil, responseError(resp)
	}
}

func responseError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg)))
}
