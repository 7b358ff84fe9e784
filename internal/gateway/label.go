package gateway

import (
	"net"
	"strings"

	"github.com/ipfs/go-cid"

	"github.com/filbeam/gateway/internal/eligibility"
	"github.com/filbeam/gateway/internal/slug"
)

// retrieval is one parsed inbound request: the lookup key, the subpath below
// the root, and the requested representation.
type retrieval struct {
	lookup eligibility.Lookup
	// subpath below the root, always "/"-prefixed or exactly "/". Empty for
	// piece-addressed retrievals, which take no subpath.
	subpath string
	// rawCAR passes the container through undecoded (?format=car).
	rawCAR bool
}

// parseLabel extracts the retrieval slug from a Host header. The DNS root
// suffix is matched case-insensitively; a trailing dot and port are ignored.
func parseLabel(host, dnsRoot string) (string, *requestError) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	if !strings.HasSuffix(strings.ToLower(host), strings.ToLower(dnsRoot)) {
		return "", badRequest("unrecognized retrieval hostname")
	}
	label := host[:len(host)-len(dnsRoot)]
	if label == "" || strings.Contains(label, ".") {
		return "", badRequest("missing retrieval identifier in hostname")
	}
	return strings.ToLower(label), nil
}

// parseRetrieval maps a (label, path, format) triple onto a lookup. Three
// label forms exist: the id-pair slug, a bare wallet address whose piece CID
// rides in the path, and "{rootCid}-{wallet}".
func parseRetrieval(label, path, format string) (*retrieval, *requestError) {
	var rawCAR bool
	switch format {
	case "", "ipfs":
		rawCAR = false
	case "car":
		rawCAR = true
	default:
		return nil, badRequest("unsupported format " + format)
	}

	if isWallet(label) {
		pieceCID := strings.Trim(path, "/")
		if pieceCID == "" {
			return nil, badRequest("missing piece identifier in path")
		}
		if strings.Contains(pieceCID, "/") {
			return nil, badRequest("piece retrievals take no subpath")
		}
		if _, err := cid.Decode(pieceCID); err != nil {
			return nil, badRequest("invalid piece identifier " + pieceCID)
		}
		return &retrieval{
			lookup: eligibility.Lookup{Kind: eligibility.KindPieceCID, PieceCID: pieceCID, Payer: label},
			rawCAR: rawCAR,
		}, nil
	}

	if strings.HasPrefix(label, slug.Version+"-") {
		dataSetID, pieceID, err := slug.DecodeIDs(label)
		if err != nil {
			return nil, badRequest(err.Error())
		}
		return &retrieval{
			lookup:  eligibility.Lookup{Kind: eligibility.KindIDs, DataSetID: dataSetID, PieceID: pieceID},
			subpath: normalizeSubpath(path),
			rawCAR:  rawCAR,
		}, nil
	}

	root := label
	payer := ""
	if idx := strings.LastIndex(label, "-"); idx > 0 {
		root, payer = label[:idx], label[idx+1:]
		if !isWallet(payer) {
			return nil, badRequest("invalid wallet address in hostname")
		}
	}
	if _, err := cid.Decode(root); err != nil {
		return nil, badRequest("invalid root identifier " + root)
	}
	return &retrieval{
		lookup:  eligibility.Lookup{Kind: eligibility.KindRootCID, RootCID: root, Payer: payer},
		subpath: normalizeSubpath(path),
		rawCAR:  rawCAR,
	}, nil
}

func normalizeSubpath(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// isWallet reports whether s is a 0x-prefixed 20-byte hex address.
func isWallet(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
