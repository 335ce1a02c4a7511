package domain

// CredentialSet is the small named key-value bundle standing in for site
// login cookies (SESSDATA, bili_jct, buvid3).
type CredentialSet map[string]string

// CookieNames lists the cookies worth persisting from a login flow.
var CookieNames = []string{"SESSDATA", "bili_jct", "buvid3"}
