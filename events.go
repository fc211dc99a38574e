package main

type eventKind string

const (
	eventTxInserted          eventKind = "txinserted"
	eventTxStatusChanged     eventKind = "txstatuschanged"
	eventMerkleBlockInserted eventKind = "merkleblockinserted"
)

const (
	txStatusUnconfirmed = "unconfirmed"
	txStatusConfirmed   = "confirmed"
)

type txPayload struct {
	Hash      string `json:"hash"`
	AccountID int64  `json:"accountId,omitempty"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	BlockHash string `json:"blockHash,omitempty"`
	Height    int32  `json:"height,omitempty"`
}

type merkleBlockPayload struct {
	Hash      string `json:"hash"`
	PrevHash  string `json:"prevHash"`
	Height    int32  `json:"height"`
	Timestamp int64  `json:"timestamp"`
	TxCount   int    `json:"txCount"`
}

// vaultEvent is one state-engine event. Exactly one payload is set,
// matching Kind.
type vaultEvent struct {
	Kind  eventKind
	Tx    *txPayload
	Block *merkleBlockPayload
}

func txEvent(kind eventKind, tx txPayload) vaultEvent {
	return vaultEvent{Kind: kind, Tx: &tx}
}

func blockEvent(block merkleBlockPayload) vaultEvent {
	return vaultEvent{Kind: eventMerkleBlockInserted, Block: &block}
}

// channels maps the event to the channels it is published on.
func (e vaultEvent) channels() []string {
	switch e.Kind {
	case eventTxInserted, eventTxStatusChanged:
		if e.Tx != nil && e.Tx.AccountID != 0 {
			return []string{channelTx, accountChannel(e.Tx.AccountID)}
		}
		return []string{channelTx}
	case eventMerkleBlockInserted:
		return []string{channelBlock}
	default:
		return nil
	}
}

func (e vaultEvent) payload() any {
	if e.Block != nil {
		return e.Block
	}
	return e.Tx
}

// eventSink receives events from the state engine.
type eventSink interface {
	publish(ev vaultEvent)
}
