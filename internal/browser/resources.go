package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// blockResources fails requests of the listed resource types (images,
// fonts, media, stylesheets) on page. Documents, scripts and XHR always
// pass.
func blockResources(page *rod.Page, types []string) *rod.HijackRouter {
	block := make(map[string]bool, len(types))
	for _, t := range types {
		block[strings.ToLower(t)] = true
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if blocked(block, h.Request.Type()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}

func blocked(block map[string]bool, t proto.NetworkResourceType) bool {
	switch t {
	case proto.NetworkResourceTypeImage:
		return block["images"] || block["image"]
	case proto.NetworkResourceTypeFont:
		return block["fonts"] || block["font"]
	case proto.NetworkResourceTypeMedia:
		return block["media"]
	case proto.NetworkResourceTypeStylesheet:
		return block["stylesheets"] || block["stylesheet"]
	}
	return false
}
