package xray

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/xtls/xray-core/app/proxyman/command"
	statsService "github.com/xtls/xray-core/app/stats/command"
	"github.com/xtls/xray-core/common/protocol"
	"github.com/xtls/xray-core/common/serial"
	"github.com/xtls/xray-core/proxy/shadowsocks"
	"github.com/xtls/xray-core/proxy/trojan"
	"github.com/xtls/xray-core/proxy/vless"
	"github.com/xtls/xray-core/proxy/vmess"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/marzneshin/marznode/backend"
	"github.com/marzneshin/marznode/common"
)

// adminAPI is a gRPC client for Xray-core's live HandlerService/
// StatsService admin endpoints.
type adminAPI struct {
	handler command.HandlerServiceClient
	stats   statsService.StatsServiceClient
	conn    *grpc.ClientConn
}

func dialAdminAPI(port int) (*adminAPI, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to xray admin api: %w", err)
	}
	return &adminAPI{
		handler: command.NewHandlerServiceClient(conn),
		stats:   statsService.NewStatsServiceClient(conn),
		conn:    conn,
	}, nil
}

func (a *adminAPI) Close() error {
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}

func (a *adminAPI) addInboundUser(ctx context.Context, inboundTag string, acc account) error {
	var msg *serial.TypedMessage
	switch acc.protocol {
	case "vmess":
		msg = serial.ToTypedMessage(&vmess.Account{Id: acc.id})
	case "vless":
		msg = serial.ToTypedMessage(&vless.Account{Id: acc.id, Flow: acc.flow})
	case "trojan":
		msg = serial.ToTypedMessage(&trojan.Account{Password: acc.password})
	case "shadowsocks":
		msg = serial.ToTypedMessage(&shadowsocks.Account{
			Password:   acc.password,
			CipherType: cipherType(acc.cipher),
		})
	default:
		return common.New(common.KindConfigInvalid, "unsupported protocol for xray user: "+string(acc.protocol), nil)
	}

	_, err := a.handler.AlterInbound(ctx, &command.AlterInboundRequest{
		Tag: inboundTag,
		Operation: serial.ToTypedMessage(&command.AddUserOperation{
			User: &protocol.User{Email: acc.email, Account: msg},
		}),
	})
	if err != nil {
		if isAlreadyExists(err) {
			return common.New(common.KindDuplicateUser, "user already present on inbound "+inboundTag, err)
		}
		return common.New(common.KindEngineDown, "xray admin call failed", err)
	}
	return nil
}

func (a *adminAPI) removeInboundUser(ctx context.Context, inboundTag, email string) error {
	_, err := a.handler.AlterInbound(ctx, &command.AlterInboundRequest{
		Tag:       inboundTag,
		Operation: serial.ToTypedMessage(&command.RemoveUserOperation{Email: email}),
	})
	if err != nil {
		if isNotFound(err) {
			return common.New(common.KindUnknownUser, "user not present on inbound "+inboundTag, err)
		}
		return common.New(common.KindEngineDown, "xray admin call failed", err)
	}
	return nil
}

var clientTrafficRegex = regexp.MustCompile(`user>>>([^>]+)>>>traffic>>>(downlink|uplink)`)

// getUsages queries the stats service with reset=true and aggregates
// uplink+downlink per "<id>.<username>" identifier. It never returns an
// error: network failures yield an empty map so a partial fleet outage
// doesn't abort the caller's fan-out.
func (a *adminAPI) getUsages(reset bool) []backend.ClientTraffic {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := a.stats.QueryStats(ctx, &statsService.QueryStatsRequest{Reset_: reset})
	if err != nil {
		return nil
	}

	byUser := make(map[string]*backend.ClientTraffic)
	for _, stat := range resp.GetStat() {
		if m := clientTrafficRegex.FindStringSubmatch(stat.Name); len(m) == 3 {
			email := m[1]
			isDown := m[2] == "downlink"
			ct, ok := byUser[email]
			if !ok {
				ct = &backend.ClientTraffic{Identifier: email}
				byUser[email] = ct
			}
			if isDown {
				ct.Down = stat.Value
			} else {
				ct.Up = stat.Value
			}
		}
	}

	out := make([]backend.ClientTraffic, 0, len(byUser))
	for _, ct := range byUser {
		out = append(out, *ct)
	}
	return out
}

func cipherType(cipher string) shadowsocks.CipherType {
	switch cipher {
	case "aes-128-gcm":
		return shadowsocks.CipherType_AES_128_GCM
	case "aes-256-gcm":
		return shadowsocks.CipherType_AES_256_GCM
	case "chacha20-poly1305", "chacha20-ietf-poly1305":
		return shadowsocks.CipherType_CHACHA20_POLY1305
	default:
		return shadowsocks.CipherType_CHACHA20_POLY1305
	}
}

func isAlreadyExists(err error) bool {
	return containsAny(err.Error(), "already exists", "Email already exists")
}

func isNotFound(err error) bool {
	return containsAny(err.Error(), "not found", "doesn't exist")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
