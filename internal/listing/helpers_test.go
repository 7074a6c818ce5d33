package listing

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

func pageURL(page int) string {
	return fmt.Sprintf("https://site.test/influencers?pg=%d", page)
}

func crawlerPageParam(raw string) int {
	u, err := url.Parse(raw)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(u.Query().Get("pg"))
	if err != nil {
		return 0
	}
	return n
}

func joinIDs(ids []string) string { return strings.Join(ids, "\n") }

func splitIDs(html string) []string {
	if html == "" {
		return nil
	}
	return strings.Split(html, "\n")
}
