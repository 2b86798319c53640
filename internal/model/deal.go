package model

import "time"

// Deal is a read-only projection of an on-chain deal, written by the
// external chain watcher. The market core only lists and serves them.
type Deal struct {
	DealID               string    `gorm:"primaryKey;size:66" json:"dealid"`
	ChainID              int64     `gorm:"primaryKey;autoIncrement:false" json:"chainId"`
	App                  string    `gorm:"size:42;index" json:"app"`
	AppPrice             int64     `json:"appPrice"`
	Dataset              string    `gorm:"size:42;index" json:"dataset"`
	DatasetPrice         int64     `json:"datasetPrice"`
	Workerpool           string    `gorm:"size:42;index" json:"workerpool"`
	WorkerpoolPrice      int64     `json:"workerpoolPrice"`
	AppHash              string    `gorm:"size:66" json:"appHash"`
	DatasetHash          string    `gorm:"size:66" json:"datasetHash"`
	WorkerpoolHash       string    `gorm:"size:66" json:"workerpoolHash"`
	RequestHash          string    `gorm:"size:66;index" json:"requestHash"`
	Requester            string    `gorm:"size:42;index" json:"requester"`
	Beneficiary          string    `gorm:"size:42;index" json:"beneficiary"`
	Callback             string    `gorm:"size:42" json:"callback"`
	Category             int64     `gorm:"index" json:"category"`
	Trust                int64     `json:"trust"`
	Params               string    `json:"params"`
	BotFirst             int64     `json:"botFirst"`
	BotSize              int64     `json:"botSize"`
	SchedulerRewardRatio int64     `json:"schedulerRewardRatio"`
	WorkerStake          int64     `json:"workerStake"`
	StartTime            time.Time `json:"startTime"`
	BlockNumber          int64     `gorm:"index" json:"blockNumber"`
	BlockTimestamp       time.Time `json:"blockTimestamp"`
}

// DealCreatedEvent is the fan-out event name emitted by the chain watcher
// when a deal projection is written.
const DealCreatedEvent = "deal_created"

// Category is a read-only projection of an on-chain computation category.
type Category struct {
	CatID            int64  `gorm:"primaryKey;autoIncrement:false" json:"catid"`
	ChainID          int64  `gorm:"primaryKey;autoIncrement:false" json:"chainId"`
	Name             string `json:"name"`
	Description      string `json:"description"`
	WorkClockTimeRef int64  `json:"workClockTimeRef"`
}
