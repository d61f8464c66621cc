package signal

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/adapters/docstore"
)

func (ctl *StoreWSController) handleRename(c *wsStoreConn, f docstore.Frame) {
	user, err := ctl.Orch.Registry.UpdateUsername(c.token, f.Name)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("invalid name")
		ctl.fail(c, f, docstore.CodeBadPayload)
		return
	}
	ctl.reply(c, f, docstore.Frame{User: &user})
}

func (ctl *StoreWSController) handleWhoAmI(c *wsStoreConn, f docstore.Frame) {
	user := ctl.Orch.Registry.GetOrCreateUser(c.token)
	ctl.reply(c, f, docstore.Frame{User: &user})
}
