package hysteria2

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/marzneshin/marznode/model"
)

// authServer is the in-process HTTP endpoint Hysteria2's "http" auth
// mode calls into for every new connection: it posts {"auth": "<key>"}
// and expects {"ok": true, "id": "<identifier>"} or a non-2xx status.
type authServer struct {
	mu    sync.RWMutex
	users map[string]model.User // keyed by derived password

	srv *http.Server
	ln  net.Listener
}

func newAuthServer() *authServer {
	return &authServer{users: make(map[string]model.User)}
}

// listen binds a loopback port and starts serving in the background,
// returning the port it bound.
func (a *authServer) listen() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	a.ln = ln

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.POST("/", a.handleAuth)

	a.srv = &http.Server{Handler: router}
	go func() {
		_ = a.srv.Serve(ln)
	}()

	return ln.Addr().(*net.TCPAddr).Port, nil
}

func (a *authServer) handleAuth(c *gin.Context) {
	var body struct {
		Auth string `json:"auth"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	a.mu.RLock()
	user, ok := a.users[body.Auth]
	a.mu.RUnlock()
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "id": user.Identifier()})
}

func (a *authServer) addUser(password string, user model.User) {
	a.mu.Lock()
	a.users[password] = user
	a.mu.Unlock()
}

func (a *authServer) removeUser(password string) (model.User, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	user, ok := a.users[password]
	if ok {
		delete(a.users, password)
	}
	return user, ok
}

func (a *authServer) close() error {
	if a.srv == nil {
		return nil
	}
	return a.srv.Shutdown(context.Background())
}
