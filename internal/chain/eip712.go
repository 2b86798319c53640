// Package chain binds the market to the blockchain: EIP-712 hashing and
// signature recovery for orders and challenges, and a read-only oracle
// over the marketplace hub contract.
package chain

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/iExecBlockchainComputing/iexec-market-api-sub000/internal/model"
)

// EIP-712 domain of the marketplace order book. The verifying contract is
// the per-chain hub address.
const (
	orderDomainName    = "iExecODB"
	orderDomainVersion = "5.0.0"

	challengeDomainName    = "iExec Gateway"
	challengeDomainVersion = "1"
)

var orderTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"AppOrder": {
		{Name: "app", Type: "address"},
		{Name: "appprice", Type: "uint256"},
		{Name: "volume", Type: "uint256"},
		{Name: "tag", Type: "bytes32"},
		{Name: "datasetrestrict", Type: "address"},
		{Name: "workerpoolrestrict", Type: "address"},
		{Name: "requesterrestrict", Type: "address"},
		{Name: "salt", Type: "bytes32"},
	},
	"DatasetOrder": {
		{Name: "dataset", Type: "address"},
		{Name: "datasetprice", Type: "uint256"},
		{Name: "volume", Type: "uint256"},
		{Name: "tag", Type: "bytes32"},
		{Name: "apprestrict", Type: "address"},
		{Name: "workerpoolrestrict", Type: "address"},
		{Name: "requesterrestrict", Type: "address"},
		{Name: "salt", Type: "bytes32"},
	},
	"WorkerpoolOrder": {
		{Name: "workerpool", Type: "address"},
		{Name: "workerpoolprice", Type: "uint256"},
		{Name: "volume", Type: "uint256"},
		{Name: "tag", Type: "bytes32"},
		{Name: "category", Type: "uint256"},
		{Name: "trust", Type: "uint256"},
		{Name: "apprestrict", Type: "address"},
		{Name: "datasetrestrict", Type: "address"},
		{Name: "requesterrestrict", Type: "address"},
		{Name: "salt", Type: "bytes32"},
	},
	"RequestOrder": {
		{Name: "app", Type: "address"},
		{Name: "appmaxprice", Type: "uint256"},
		{Name: "dataset", Type: "address"},
		{Name: "datasetmaxprice", Type: "uint256"},
		{Name: "workerpool", Type: "address"},
		{Name: "workerpoolmaxprice", Type: "uint256"},
		{Name: "requester", Type: "address"},
		{Name: "volume", Type: "uint256"},
		{Name: "tag", Type: "bytes32"},
		{Name: "category", Type: "uint256"},
		{Name: "trust", Type: "uint256"},
		{Name: "beneficiary", Type: "address"},
		{Name: "callback", Type: "address"},
		{Name: "params", Type: "string"},
		{Name: "salt", Type: "bytes32"},
	},
}

func uint256(v int64) string { return strconv.FormatInt(v, 10) }

func orderMessage(o model.Order) (string, apitypes.TypedDataMessage) {
	switch ord := o.(type) {
	case *model.AppOrder:
		return "AppOrder", apitypes.TypedDataMessage{
			"app":                ord.App,
			"appprice":           uint256(ord.AppPrice),
			"volume":             uint256(ord.Volume),
			"tag":                ord.Tag.String(),
			"datasetrestrict":    ord.DatasetRestrict,
			"workerpoolrestrict": ord.WorkerpoolRestrict,
			"requesterrestrict":  ord.RequesterRestrict,
			"salt":               ord.Salt,
		}
	case *model.DatasetOrder:
		return "DatasetOrder", apitypes.TypedDataMessage{
			"dataset":            ord.Dataset,
			"datasetprice":       uint256(ord.DatasetPrice),
			"volume":             uint256(ord.Volume),
			"tag":                ord.Tag.String(),
			"apprestrict":        ord.AppRestrict,
			"workerpoolrestrict": ord.WorkerpoolRestrict,
			"requesterrestrict":  ord.RequesterRestrict,
			"salt":               ord.Salt,
		}
	case *model.WorkerpoolOrder:
		return "WorkerpoolOrder", apitypes.TypedDataMessage{
			"workerpool":        ord.Workerpool,
			"workerpoolprice":   uint256(ord.WorkerpoolPrice),
			"volume":            uint256(ord.Volume),
			"tag":               ord.Tag.String(),
			"category":          uint256(ord.Category),
			"trust":             uint256(ord.Trust),
			"apprestrict":       ord.AppRestrict,
			"datasetrestrict":   ord.DatasetRestrict,
			"requesterrestrict": ord.RequesterRestrict,
			"salt":              ord.Salt,
		}
	case *model.RequestOrder:
		return "RequestOrder", apitypes.TypedDataMessage{
			"app":                ord.App,
			"appmaxprice":        uint256(ord.AppMaxPrice),
			"dataset":            ord.Dataset,
			"datasetmaxprice":    uint256(ord.DatasetMaxPrice),
			"workerpool":         ord.Workerpool,
			"workerpoolmaxprice": uint256(ord.WorkerpoolMaxPrice),
			"requester":          ord.Requester,
			"volume":             uint256(ord.Volume),
			"tag":                ord.Tag.String(),
			"category":           uint256(ord.Category),
			"trust":              uint256(ord.Trust),
			"beneficiary":        ord.Beneficiary,
			"callback":           ord.Callback,
			"params":             ord.Params,
			"salt":               ord.Salt,
		}
	}
	return "", nil
}

// OrderDigest computes the EIP-712 digest of a signed order for the given
// chain and hub contract. Its hex form is the orderHash used as primary key.
func OrderDigest(chainID int64, hub string, o model.Order) (common.Hash, error) {
	primary, message := orderMessage(o)
	if primary == "" {
		return common.Hash{}, fmt.Errorf("unknown order type %T", o)
	}
	typedData := apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: primary,
		Domain: apitypes.TypedDataDomain{
			Name:              orderDomainName,
			Version:           orderDomainVersion,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: hub,
		},
		Message: message,
	}
	sighash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash %s: %w", primary, err)
	}
	return common.BytesToHash(sighash), nil
}

// ChallengeDigest computes the EIP-712 digest of an authentication
// challenge value for the given chain.
func ChallengeDigest(chainID int64, value string) (common.Hash, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Challenge": {
				{Name: "challenge", Type: "string"},
			},
		},
		PrimaryType: "Challenge",
		Domain: apitypes.TypedDataDomain{
			Name:    challengeDomainName,
			Version: challengeDomainVersion,
			ChainId: math.NewHexOrDecimal256(chainID),
		},
		Message: apitypes.TypedDataMessage{"challenge": value},
	}
	sighash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash challenge: %w", err)
	}
	return common.BytesToHash(sighash), nil
}

// RecoverSigner recovers the address that produced sig over digest. The
// signature is the 65-byte r||s||v form produced by eth_signTypedData,
// with v being either {0,1} or {27,28}.
func RecoverSigner(digest common.Hash, sig string) (string, error) {
	raw := common.FromHex(sig)
	if len(raw) != crypto.SignatureLength {
		return "", fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	// crypto.SigToPub expects the recovery id in the last byte as 0/1.
	adjusted := make([]byte, crypto.SignatureLength)
	copy(adjusted, raw)
	if adjusted[64] >= 27 {
		adjusted[64] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), adjusted)
	if err != nil {
		return "", fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}
