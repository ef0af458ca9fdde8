package realtime

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"delivery-dispatch/config"
	"delivery-dispatch/internal/auth"
	domainerrors "delivery-dispatch/internal/errors"
	"delivery-dispatch/internal/events"
	"delivery-dispatch/internal/pkg/apperrors"
)

// Gateway authenticates websocket handshakes and attaches each connection
// to its rooms.
type Gateway struct {
	hub            *Hub
	validator      auth.TokenValidator
	inbound        *Inbound
	upgrader       websocket.Upgrader
	cfg            config.RealtimeConfig
	handlerTimeout time.Duration
	logger         *slog.Logger
}

func NewGateway(hub *Hub, validator auth.TokenValidator, inbound *Inbound, cfg config.RealtimeConfig, handlerTimeout time.Duration) *Gateway {
	if inbound == nil {
		inbound = &Inbound{}
	}
	if cfg.SendBuffer < 1 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if handlerTimeout <= 0 {
		handlerTimeout = 15 * time.Second
	}
	g := &Gateway{
		hub:            hub,
		validator:      validator,
		inbound:        inbound,
		cfg:            cfg,
		handlerTimeout: handlerTimeout,
		logger:         slog.Default().With("component", "realtime"),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// checkOrigin admits everything when no origins are configured. Clients that
// send no Origin header are not browsers and are always admitted.
func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range g.cfg.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

// Rooms is the set of rooms a user joins on connect.
func Rooms(id auth.Identity) []string {
	rooms := []string{events.UserRoom(id.UserID)}
	switch id.Role {
	case auth.RoleDriver:
		rooms = append(rooms, events.DriversRoom)
	case auth.RoleRestaurant:
		rooms = append(rooms, events.RestaurantsRoom)
	}
	return rooms
}

// Serve handles GET /ws. Authentication failures are answered with a plain
// HTTP error before the upgrade. The handler returns when the connection ends.
func (g *Gateway) Serve(c *gin.Context) {
	token := bearerToken(c.Request)
	if token == "" {
		apperrors.Abort(c, http.StatusUnauthorized, domainerrors.ErrUnauthorized, "missing bearer token")
		return
	}
	identity, err := g.validator.Validate(c.Request.Context(), token)
	if err != nil {
		apperrors.ToHTTPError(c, err)
		c.Abort()
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.logger.Debug("upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := &Client{
		hub:            g.hub,
		conn:           conn,
		identity:       identity,
		inbound:        g.inbound,
		send:           make(chan []byte, g.cfg.SendBuffer),
		writeTimeout:   g.cfg.WriteTimeout,
		pingInterval:   g.cfg.PingInterval,
		handlerTimeout: g.handlerTimeout,
		logger:         g.logger.With(slog.String("user_id", identity.UserID), slog.String("role", identity.Role)),
	}
	g.hub.join(client, Rooms(identity)...)
	client.logger.Info("client connected")

	client.run(c.Request.Context())
	client.logger.Info("client disconnected")
}
