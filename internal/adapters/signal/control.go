package signal

import "github.com/dkeye/voicemesh/internal/adapters/docstore"

func (ctl *StoreWSController) handlePing(c *wsStoreConn, f docstore.Frame) {
	ctl.reply(c, f, docstore.Frame{Type: docstore.TypePong})
}
