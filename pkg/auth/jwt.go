package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expiryFromJWT 从访问令牌的 exp 声明推导过期时间，令牌不是 JWT 时返回 false。
// 只读取声明不校验签名，签名由提供商校验。
func expiryFromJWT(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
