package bundle

import (
	"encoding/json"
	"math/big"
	"time"
)

// UserStats is the searcher reputation snapshot. Fields the relay did not return are nil.
type UserStats struct {
	IsHighPriority           *bool
	AllTimeValidatorPayments *big.Int
	AllTimeGasSimulated      *big.Int
	Last7dValidatorPayments  *big.Int
	Last7dGasSimulated       *big.Int
	Last1dValidatorPayments  *big.Int
	Last1dGasSimulated       *big.Int
}

type userStatsJSON struct {
	IsHighPriority           *bool     `json:"isHighPriority"`
	AllTimeValidatorPayments *Quantity `json:"allTimeValidatorPayments"`
	AllTimeGasSimulated      *Quantity `json:"allTimeGasSimulated"`
	Last7dValidatorPayments  *Quantity `json:"last7dValidatorPayments"`
	Last7dGasSimulated       *Quantity `json:"last7dGasSimulated"`
	Last1dValidatorPayments  *Quantity `json:"last1dValidatorPayments"`
	Last1dGasSimulated       *Quantity `json:"last1dGasSimulated"`
}

func (s *UserStats) UnmarshalJSON(data []byte) error {
	var raw userStatsJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = UserStats{
		IsHighPriority:           raw.IsHighPriority,
		AllTimeValidatorPayments: raw.AllTimeValidatorPayments.Big(),
		AllTimeGasSimulated:      raw.AllTimeGasSimulated.Big(),
		Last7dValidatorPayments:  raw.Last7dValidatorPayments.Big(),
		Last7dGasSimulated:       raw.Last7dGasSimulated.Big(),
		Last1dValidatorPayments:  raw.Last1dValidatorPayments.Big(),
		Last1dGasSimulated:       raw.Last1dGasSimulated.Big(),
	}
	return nil
}

type BuilderTimestamp struct {
	Pubkey    string    `json:"pubkey"`
	Timestamp time.Time `json:"timestamp"`
}

// BundleStats covers both the v1 and v2 flashbots_getBundleStats shapes, every field is optional
type BundleStats struct {
	IsSimulated    *bool      `json:"isSimulated,omitempty"`
	IsSentToMiners *bool      `json:"isSentToMiners,omitempty"`
	IsHighPriority *bool      `json:"isHighPriority,omitempty"`
	SimulatedAt    *time.Time `json:"simulatedAt,omitempty"`
	SubmittedAt    *time.Time `json:"submittedAt,omitempty"`
	SentToMinersAt *time.Time `json:"sentToMinersAt,omitempty"`
	ReceivedAt     *time.Time `json:"receivedAt,omitempty"`

	ConsideredByBuildersAt []BuilderTimestamp `json:"consideredByBuildersAt,omitempty"`
	SealedByBuildersAt     []BuilderTimestamp `json:"sealedByBuildersAt,omitempty"`
}
