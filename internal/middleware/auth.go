package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/user/moovie-etl/internal/utils"
)

// RoleOperator 允许触发同步、重置水位的角色
const RoleOperator = "operator"

// Claims JWT 声明
type Claims struct {
	Operator string `json:"operator"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// RequireOperator 运维接口鉴权：Authorization: Bearer <token>，role 必须为 operator
func RequireOperator(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := extractClaims(c, secret)
		if err != nil {
			utils.Unauthorized(c, "")
			c.Abort()
			return
		}
		if claims.Role != RoleOperator {
			utils.Forbidden(c, "需要运维权限")
			c.Abort()
			return
		}

		c.Set("operator", claims.Operator)
		c.Next()
	}
}

// extractClaims 从 Authorization Header 中提取 JWT Claims
func extractClaims(c *gin.Context, secret string) (*Claims, error) {
	authHeader := c.GetHeader("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, jwt.ErrTokenMalformed
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// GetOperator 从上下文获取操作人
func GetOperator(c *gin.Context) string {
	if v, ok := c.Get("operator"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// GenerateToken 签发运维 Token
func GenerateToken(operator, secret string, expiry time.Duration) (string, error) {
	claims := &Claims{
		Operator: operator,
		Role:     RoleOperator,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
