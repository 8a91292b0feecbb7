package indexer

// BlockHeader records the hash and payload type of every indexed block.
type BlockHeader struct {
	BlockIndex int64  `gorm:"primaryKey;autoIncrement:false"`
	Hash       string `gorm:"not null"`
	Type       string `gorm:"not null"`
}

// TableName specifies the table name for BlockHeader.
func (BlockHeader) TableName() string {
	return "block_headers"
}

// MaxEventParams is the number of positional value columns on Event.
const MaxEventParams = 10

// Event is one persisted contract event. V1..V10 are positional and their
// meaning depends on EventName. For Transfer: V1 from, V2 to, V3 amount,
// V4 currency, V5 transaction type, V6 comment, V7 timestamp.
type Event struct {
	ID              uint64  `gorm:"primaryKey;autoIncrement"`
	EventName       string  `gorm:"not null;index"`
	ContractAddress string  `gorm:"not null;index"`
	Timestamp       int64   `gorm:"not null"`
	BlockIndex      int64   `gorm:"not null;index"`
	BlockHash       string  `gorm:"type:text;not null"`
	V1              *string `gorm:"column:v1;type:text"`
	V2              *string `gorm:"column:v2;type:text"`
	V3              *string `gorm:"column:v3;type:text"`
	V4              *string `gorm:"column:v4;type:text"`
	V5              *string `gorm:"column:v5;type:text"`
	V6              *string `gorm:"column:v6;type:text"`
	V7              *string `gorm:"column:v7;type:text"`
	V8              *string `gorm:"column:v8;type:text"`
	V9              *string `gorm:"column:v9;type:text"`
	V10             *string `gorm:"column:v10;type:text"`
}

// TableName specifies the table name for Event.
func (Event) TableName() string {
	return "events"
}

// Params returns the positional values up to the last non-null column.
func (e *Event) Params() []*string {
	all := e.slots()
	n := len(all)
	for n > 0 && *all[n-1] == nil {
		n--
	}
	params := make([]*string, n)
	for i := 0; i < n; i++ {
		params[i] = *all[i]
	}
	return params
}

func (e *Event) setParams(params []string) {
	for i, slot := range e.slots() {
		if i < len(params) {
			v := params[i]
			*slot = &v
		}
	}
}

func (e *Event) slots() []**string {
	return []**string{&e.V1, &e.V2, &e.V3, &e.V4, &e.V5, &e.V6, &e.V7, &e.V8, &e.V9, &e.V10}
}

// NFT is one non-fungible token unit identified by its nonce.
type NFT struct {
	Nonce        int64   `gorm:"primaryKey;autoIncrement:false"`
	Owner        string  `gorm:"not null;index"`
	ValidationID *int64  `gorm:"index"`
	BlockIndex   *int64  `gorm:"index"`
	Data         *string `gorm:"type:text"`
	IsFreeze     *bool   `gorm:"not null;default:true"`
}

// TableName specifies the table name for NFT.
func (NFT) TableName() string {
	return "nfts"
}

// Frozen reports whether the token is frozen. A missing value means frozen.
func (n *NFT) Frozen() bool {
	return n.IsFreeze == nil || *n.IsFreeze
}

// allModels lists the tables managed by the indexer.
var allModels = []any{&BlockHeader{}, &Event{}, &NFT{}}
