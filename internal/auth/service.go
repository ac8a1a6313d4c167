package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"

	"github.com/GianGuaz256/vending-server/internal/db"
	"github.com/GianGuaz256/vending-server/internal/logcontext"
	"github.com/GianGuaz256/vending-server/internal/payload"
	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	eventLoginOK     = "LOGIN_OK"
	eventLoginFailed = "LOGIN_FAIL"

	reasonUnknownMachine = "UNKNOWN_MACHINE"
	reasonBadSecret      = "BAD_SECRET"
	reasonInactive       = "INACTIVE"
	reasonIPNotAllowed   = "IP_NOT_ALLOWED"
)

var (
	ErrInvalidCredentials = errors.New("invalid machine id or secret")
	ErrClientInactive     = errors.New("client is inactive")
	ErrIPNotAllowed       = errors.New("ip address not allowed")
)

func incLogin(result, reason string) {
	if reason == "" {
		metrics.GetOrCreateCounter(fmt.Sprintf(`auth_login_total{result=%q}`, result)).Inc()
		return
	}
	metrics.GetOrCreateCounter(fmt.Sprintf(`auth_login_total{result=%q,reason=%q}`, result, reason)).Inc()
}

// Service exchanges machine credentials for short lived access tokens. Every
// attempt, failed or not, lands in client_auth_events.
type Service struct {
	clients *db.ClientRepository
	issuer  *TokenIssuer
	logger  *slog.Logger
}

func NewService(clients *db.ClientRepository, issuer *TokenIssuer, logger *slog.Logger) *Service {
	return &Service{
		clients: clients,
		issuer:  issuer,
		logger:  logger,
	}
}

func (s *Service) IssueToken(ctx context.Context, req payload.TokenRequest, ip, userAgent string) (*payload.TokenResponse, error) {
	ctx = logcontext.AppendCtx(ctx, slog.String("machineId", req.MachineID))

	client, err := s.clients.GetByMachineID(ctx, req.MachineID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.reject(ctx, nil, ip, userAgent, reasonUnknownMachine)
			return nil, ErrInvalidCredentials
		}
		return nil, errors.Wrap(err, "loading client")
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("clientId", client.ID.String()))

	if !CheckSecret(client.SecretHash, req.Secret) {
		s.reject(ctx, &client.ID, ip, userAgent, reasonBadSecret)
		return nil, ErrInvalidCredentials
	}

	if !client.IsActive {
		s.reject(ctx, &client.ID, ip, userAgent, reasonInactive)
		return nil, ErrClientInactive
	}

	if !ipAllowed(client.AllowedCIDRs, ip) {
		s.reject(ctx, &client.ID, ip, userAgent, reasonIPNotAllowed)
		return nil, ErrIPNotAllowed
	}

	token, _, err := s.issuer.Issue(client.ID, client.MachineID)
	if err != nil {
		return nil, err
	}

	if err := s.clients.TouchLastSeen(ctx, client.ID); err != nil {
		s.logger.WarnContext(ctx, "Error updating last seen", "error", err)
	}

	s.audit(ctx, &client.ID, eventLoginOK, ip, userAgent, "")
	incLogin("issued", "")
	s.logger.InfoContext(ctx, "Issued access token")

	return &payload.TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.issuer.TTL().Seconds()),
	}, nil
}

func (s *Service) reject(ctx context.Context, clientID *uuid.UUID, ip, userAgent, reason string) {
	s.audit(ctx, clientID, eventLoginFailed, ip, userAgent, reason)
	incLogin("rejected", reason)
	s.logger.WarnContext(ctx, "Rejected token request", "reason", reason, "ip", ip)
}

func (s *Service) audit(ctx context.Context, clientID *uuid.UUID, eventType, ip, userAgent, reason string) {
	var details json.RawMessage
	if reason != "" {
		details, _ = json.Marshal(map[string]string{"reason": reason})
	}

	entity := &db.ClientAuthEventEntity{
		ID:        uuid.New(),
		ClientID:  clientID,
		EventType: eventType,
		IP:        ip,
		UserAgent: userAgent,
		Details:   details,
	}
	if err := s.clients.InsertAuthEvent(ctx, entity); err != nil {
		s.logger.WarnContext(ctx, "Error recording auth event", "error", err)
	}
}

func ipAllowed(cidrs []string, ip string) bool {
	if len(cidrs) == 0 {
		return true
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(addr) {
			return true
		}
	}
	return false
}
