// Package model holds the order, deal and category types shared by the
// market core, the store and the HTTP layer. Orders are immutable signed
// intents; only their PublishedOrder wrapper carries mutable state.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/pkg/errs"
)

// ZeroAddress is the wildcard value for restrict fields and resource pointers.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// AnyKeyword disables a restrict filter entirely in list queries.
const AnyKeyword = "any"

// OrderKind discriminates the four order variants.
type OrderKind string

const (
	KindApp        OrderKind = "apporder"
	KindDataset    OrderKind = "datasetorder"
	KindWorkerpool OrderKind = "workerpoolorder"
	KindRequest    OrderKind = "requestorder"
)

// Kinds lists every order kind.
var Kinds = []OrderKind{KindApp, KindDataset, KindWorkerpool, KindRequest}

// Valid reports whether k is a known order kind.
func (k OrderKind) Valid() bool {
	switch k {
	case KindApp, KindDataset, KindWorkerpool, KindRequest:
		return true
	}
	return false
}

// ResourceName is the name of the resource the kind points at, used in
// API error messages ("No apporder published for app 0x...").
func (k OrderKind) ResourceName() string {
	switch k {
	case KindApp:
		return "app"
	case KindDataset:
		return "dataset"
	case KindWorkerpool:
		return "workerpool"
	default:
		return "requester"
	}
}

// PublishedEvent is the fan-out event name for a publication of this kind.
func (k OrderKind) PublishedEvent() string { return string(k) + "_published" }

// UnpublishedEvent is the fan-out event name for an unpublication.
func (k OrderKind) UnpublishedEvent() string { return string(k) + "_unpublished" }

// Status is the lifecycle state of a PublishedOrder. open is the only
// non-terminal state.
type Status string

const (
	StatusOpen   Status = "open"
	StatusFilled Status = "filled"
	StatusDead   Status = "dead"
)

// Order is the behaviour shared by the four signed order variants.
type Order interface {
	Kind() OrderKind
	// Resource is the on-chain address the order sells access to, or the
	// requester address for request orders.
	Resource() string
	// Price is the ask price, or the workerpool max-price for request
	// orders (the price both sort orders and matching compare on).
	Price() int64
	OrderVolume() int64
	OrderTag() Tag
	OrderSalt() string
	OrderSign() string
	// Validate checks presence and format of every field of the payload.
	Validate() error
}

// AppOrder sells access to an application.
type AppOrder struct {
	App                string `json:"app"`
	AppPrice           int64  `json:"appprice"`
	Volume             int64  `json:"volume"`
	Tag                Tag    `json:"tag"`
	DatasetRestrict    string `json:"datasetrestrict"`
	WorkerpoolRestrict string `json:"workerpoolrestrict"`
	RequesterRestrict  string `json:"requesterrestrict"`
	Salt               string `json:"salt"`
	Sign               string `json:"sign"`
}

// DatasetOrder sells access to a dataset.
type DatasetOrder struct {
	Dataset            string `json:"dataset"`
	DatasetPrice       int64  `json:"datasetprice"`
	Volume             int64  `json:"volume"`
	Tag                Tag    `json:"tag"`
	AppRestrict        string `json:"apprestrict"`
	WorkerpoolRestrict string `json:"workerpoolrestrict"`
	RequesterRestrict  string `json:"requesterrestrict"`
	Salt               string `json:"salt"`
	Sign               string `json:"sign"`
}

// WorkerpoolOrder sells compute capacity.
type WorkerpoolOrder struct {
	Workerpool        string `json:"workerpool"`
	WorkerpoolPrice   int64  `json:"workerpoolprice"`
	Volume            int64  `json:"volume"`
	Tag               Tag    `json:"tag"`
	Category          int64  `json:"category"`
	Trust             int64  `json:"trust"`
	AppRestrict       string `json:"apprestrict"`
	DatasetRestrict   string `json:"datasetrestrict"`
	RequesterRestrict string `json:"requesterrestrict"`
	Salt              string `json:"salt"`
	Sign              string `json:"sign"`
}

// RequestOrder is the buy side: a request for a computation run.
type RequestOrder struct {
	App                string `json:"app"`
	AppMaxPrice        int64  `json:"appmaxprice"`
	Dataset            string `json:"dataset"`
	DatasetMaxPrice    int64  `json:"datasetmaxprice"`
	Workerpool         string `json:"workerpool"`
	WorkerpoolMaxPrice int64  `json:"workerpoolmaxprice"`
	Requester          string `json:"requester"`
	Volume             int64  `json:"volume"`
	Tag                Tag    `json:"tag"`
	Category           int64  `json:"category"`
	Trust              int64  `json:"trust"`
	Beneficiary        string `json:"beneficiary"`
	Callback           string `json:"callback"`
	Params             string `json:"params"`
	Salt               string `json:"salt"`
	Sign               string `json:"sign"`
}

func (o *AppOrder) Kind() OrderKind    { return KindApp }
func (o *AppOrder) Resource() string   { return o.App }
func (o *AppOrder) Price() int64       { return o.AppPrice }
func (o *AppOrder) OrderVolume() int64 { return o.Volume }
func (o *AppOrder) OrderTag() Tag      { return o.Tag }
func (o *AppOrder) OrderSalt() string  { return o.Salt }
func (o *AppOrder) OrderSign() string  { return o.Sign }

func (o *DatasetOrder) Kind() OrderKind    { return KindDataset }
func (o *DatasetOrder) Resource() string   { return o.Dataset }
func (o *DatasetOrder) Price() int64       { return o.DatasetPrice }
func (o *DatasetOrder) OrderVolume() int64 { return o.Volume }
func (o *DatasetOrder) OrderTag() Tag      { return o.Tag }
func (o *DatasetOrder) OrderSalt() string  { return o.Salt }
func (o *DatasetOrder) OrderSign() string  { return o.Sign }

func (o *WorkerpoolOrder) Kind() OrderKind    { return KindWorkerpool }
func (o *WorkerpoolOrder) Resource() string   { return o.Workerpool }
func (o *WorkerpoolOrder) Price() int64       { return o.WorkerpoolPrice }
func (o *WorkerpoolOrder) OrderVolume() int64 { return o.Volume }
func (o *WorkerpoolOrder) OrderTag() Tag      { return o.Tag }
func (o *WorkerpoolOrder) OrderSalt() string  { return o.Salt }
func (o *WorkerpoolOrder) OrderSign() string  { return o.Sign }

func (o *RequestOrder) Kind() OrderKind    { return KindRequest }
func (o *RequestOrder) Resource() string   { return o.Requester }
func (o *RequestOrder) Price() int64       { return o.WorkerpoolMaxPrice }
func (o *RequestOrder) OrderVolume() int64 { return o.Volume }
func (o *RequestOrder) OrderTag() Tag      { return o.Tag }
func (o *RequestOrder) OrderSalt() string  { return o.Salt }
func (o *RequestOrder) OrderSign() string  { return o.Sign }

// PublishedOrder wraps an immutable signed order with its mutable
// publication record. At most one PublishedOrder per (chainId, orderHash)
// may be open at a time.
type PublishedOrder struct {
	OrderHash            string    `json:"orderHash"`
	ChainID              int64     `json:"chainId"`
	Signer               string    `json:"signer"`
	Status               Status    `json:"status"`
	Remaining            int64     `json:"remaining"`
	PublicationTimestamp time.Time `json:"publicationTimestamp"`
	Order                Order     `json:"order"`
}

// NormalizeAddress checksums a hex address, leaving the zero value alone.
func NormalizeAddress(s string) string {
	if s == "" {
		return ZeroAddress
	}
	return common.HexToAddress(s).Hex()
}

func checkAddress(field, value string, required bool) (string, error) {
	if value == "" {
		if required {
			return "", errs.Validation("%s is a required field", field)
		}
		return ZeroAddress, nil
	}
	if !common.IsHexAddress(value) {
		return "", errs.Validation("%s must be a valid ethereum address", field)
	}
	return common.HexToAddress(value).Hex(), nil
}

func checkAmount(field string, value int64) error {
	if value < 0 {
		return errs.Validation("%s must be greater than or equal to 0", field)
	}
	return nil
}

func checkCommon(volume int64, salt, sign string) error {
	if volume < 1 {
		return errs.Validation("volume must be greater than or equal to 1")
	}
	if salt == "" {
		return errs.Validation("salt is a required field")
	}
	if sign == "" {
		return errs.Validation("sign is a required field")
	}
	return nil
}

// Validate normalizes addresses in place and checks field presence and
// format. The first failing field wins.
func (o *AppOrder) Validate() error {
	var err error
	if o.App, err = checkAddress("app", o.App, true); err != nil {
		return err
	}
	if err = checkAmount("appprice", o.AppPrice); err != nil {
		return err
	}
	if err = checkCommon(o.Volume, o.Salt, o.Sign); err != nil {
		return err
	}
	if o.DatasetRestrict, err = checkAddress("datasetrestrict", o.DatasetRestrict, false); err != nil {
		return err
	}
	if o.WorkerpoolRestrict, err = checkAddress("workerpoolrestrict", o.WorkerpoolRestrict, false); err != nil {
		return err
	}
	o.RequesterRestrict, err = checkAddress("requesterrestrict", o.RequesterRestrict, false)
	return err
}

func (o *DatasetOrder) Validate() error {
	var err error
	if o.Dataset, err = checkAddress("dataset", o.Dataset, true); err != nil {
		return err
	}
	if err = checkAmount("datasetprice", o.DatasetPrice); err != nil {
		return err
	}
	if err = checkCommon(o.Volume, o.Salt, o.Sign); err != nil {
		return err
	}
	if o.AppRestrict, err = checkAddress("apprestrict", o.AppRestrict, false); err != nil {
		return err
	}
	if o.WorkerpoolRestrict, err = checkAddress("workerpoolrestrict", o.WorkerpoolRestrict, false); err != nil {
		return err
	}
	o.RequesterRestrict, err = checkAddress("requesterrestrict", o.RequesterRestrict, false)
	return err
}

func (o *WorkerpoolOrder) Validate() error {
	var err error
	if o.Workerpool, err = checkAddress("workerpool", o.Workerpool, true); err != nil {
		return err
	}
	if err = checkAmount("workerpoolprice", o.WorkerpoolPrice); err != nil {
		return err
	}
	if err = checkAmount("category", o.Category); err != nil {
		return err
	}
	if err = checkAmount("trust", o.Trust); err != nil {
		return err
	}
	if err = checkCommon(o.Volume, o.Salt, o.Sign); err != nil {
		return err
	}
	if o.AppRestrict, err = checkAddress("apprestrict", o.AppRestrict, false); err != nil {
		return err
	}
	if o.DatasetRestrict, err = checkAddress("datasetrestrict", o.DatasetRestrict, false); err != nil {
		return err
	}
	o.RequesterRestrict, err = checkAddress("requesterrestrict", o.RequesterRestrict, false)
	return err
}

func (o *RequestOrder) Validate() error {
	var err error
	if o.App, err = checkAddress("app", o.App, true); err != nil {
		return err
	}
	if err = checkAmount("appmaxprice", o.AppMaxPrice); err != nil {
		return err
	}
	if o.Dataset, err = checkAddress("dataset", o.Dataset, false); err != nil {
		return err
	}
	if err = checkAmount("datasetmaxprice", o.DatasetMaxPrice); err != nil {
		return err
	}
	if o.Workerpool, err = checkAddress("workerpool", o.Workerpool, false); err != nil {
		return err
	}
	if err = checkAmount("workerpoolmaxprice", o.WorkerpoolMaxPrice); err != nil {
		return err
	}
	if o.Requester, err = checkAddress("requester", o.Requester, true); err != nil {
		return err
	}
	if err = checkAmount("category", o.Category); err != nil {
		return err
	}
	if err = checkAmount("trust", o.Trust); err != nil {
		return err
	}
	if err = checkCommon(o.Volume, o.Salt, o.Sign); err != nil {
		return err
	}
	if o.Beneficiary, err = checkAddress("beneficiary", o.Beneficiary, false); err != nil {
		return err
	}
	o.Callback, err = checkAddress("callback", o.Callback, false)
	return err
}
