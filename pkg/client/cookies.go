package client

import "net/http"

// chainCookies holds cookies set during one redirect chain. Unlike
// net/http/cookiejar it ignores Domain and Path scoping: signed download
// links routinely set a cookie on one host and expect it on the next.
type chainCookies struct {
	order  []string
	values map[string]string
}

func newChainCookies() *chainCookies {
	return &chainCookies{values: make(map[string]string)}
}

func (c *chainCookies) collect(resp *http.Response) {
	for _, ck := range resp.Cookies() {
		if _, seen := c.values[ck.Name]; !seen {
			c.order = append(c.order, ck.Name)
		}
		c.values[ck.Name] = ck.Value
	}
}

func (c *chainCookies) apply(req *http.Request) {
	for _, name := range c.order {
		req.AddCookie(&http.Cookie{Name: name, Value: c.values[name]})
	}
}
