package main

import (
	"context"

	"github.com/ha1tch/tdsfrontend/internal/obslog"
	"github.com/ha1tch/tdsfrontend/tds"
)

// echoHandler is a minimal tds.Handler used when this binary is run
// standalone (no query engine wired in): it accepts every login and
// answers every batch with a one-row, one-column result reporting the
// query text it received. A real deployment replaces this with a
// handler backed by the actual query core; this exists so the binary
// is runnable and demonstrable on its own.
type echoHandler struct {
	logger *obslog.Logger
}

func newEchoHandler(logger *obslog.Logger) *echoHandler {
	return &echoHandler{logger: logger}
}

func (h *echoHandler) OpenSession(ctx context.Context, session *tds.Session) error {
	h.logger.Connection().Info("session opened", "spid", session.SPID, "remote", session.RemoteAddr)
	return nil
}

func (h *echoHandler) CloseSession(session *tds.Session) {
	h.logger.Connection().Info("session closed", "spid", session.SPID)
}

func (h *echoHandler) OnPreloginRequest(client *tds.ResponseWriter, session *tds.Session, msg *tds.Prelogin) error {
	resp := tds.NewPreloginResponse(tds.DefaultServerVersion(), session.EncryptionNeg, false, false)
	return client.SendMessage(resp.Encode())
}

func (h *echoHandler) OnLogin7Request(client *tds.ResponseWriter, session *tds.Session, msg *tds.Login7) error {
	if err := client.SendToken(&tds.EnvChangeToken{
		EnvType:  tds.EnvDatabase,
		NewValue: session.Database,
		OldValue: "",
	}); err != nil {
		return err
	}
	if err := client.SendToken(&tds.LoginAckToken{
		Interface:   tds.LoginAckSQL2012,
		TDSVersion:  session.TDSVersion,
		ProgName:    session.Server.ServerName,
		ProgVersion: 0x01000000,
	}); err != nil {
		return err
	}
	return client.Flush(tds.DoneToken{Kind: tds.TokenDone, Status: tds.DoneFinal})
}

func (h *echoHandler) OnFederatedAuthenticationTokenMessage(client *tds.ResponseWriter, session *tds.Session, token []byte) error {
	return client.Flush(tds.DoneToken{Kind: tds.TokenDone, Status: tds.DoneFinal})
}

func (h *echoHandler) OnSQLBatchRequest(client *tds.ResponseWriter, session *tds.Session, batch *tds.SQLBatchRequest) error {
	col := tds.Column{
		Name:     "query",
		TypeInfo: tds.TypeInfo{Type: tds.TypeNVarChar, Length: 4000, Collation: tds.DefaultCollation},
		Nullable: true,
	}
	if err := client.SendToken(&tds.ColMetadataToken{Columns: []tds.Column{col}}); err != nil {
		return err
	}
	if err := client.SendToken(&tds.RowToken{Columns: []tds.Column{col}, Values: []interface{}{batch.Query}}); err != nil {
		return err
	}
	return client.Flush(tds.DoneToken{Kind: tds.TokenDone, Status: tds.DoneCount, RowCount: 1})
}

func (h *echoHandler) OnRPCRequest(client *tds.ResponseWriter, session *tds.Session, rpc *tds.RPCRequest) error {
	return client.Flush(tds.DoneToken{Kind: tds.TokenDone, Status: tds.DoneFinal})
}

func (h *echoHandler) OnAttention(session *tds.Session) {
	h.logger.Connection().Debug("attention received", "spid", session.SPID)
}
