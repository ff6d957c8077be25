package codegen

import (
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Fingerprint 页面结构指纹: body内所有元素的 tag.class 集合(无class时为tag)
// 同类型页面共享模板,指纹高度重合;生成的程序用同样的算法做分发
func Fingerprint(html string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	return DocumentFingerprint(doc)
}

// DocumentFingerprint 对已解析的文档计算指纹
func DocumentFingerprint(doc *goquery.Document) []string {
	set := make(map[string]bool)
	doc.Find("body *").Each(func(_ int, s *goquery.Selection) {
		tag := goquery.NodeName(s)
		classes := strings.Fields(s.AttrOr("class", ""))
		if len(classes) == 0 {
			set[tag] = true
			return
		}
		for _, class := range classes {
			set[tag+"."+class] = true
		}
	})

	tokens := make([]string, 0, len(set))
	for token := range set {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

// Jaccard 两个指纹的相似度 |A∩B| / |A∪B|
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	inter := 0
	union := len(set)
	seen := make(map[string]bool, len(b))
	for _, t := range b {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

// BestMatch 在候选指纹中选出最相似的页面类型
// 相似度相同时按页面类型字典序取第一个
func BestMatch(fp []string, candidates map[string][]string) (string, float64) {
	types := make([]string, 0, len(candidates))
	for pageType := range candidates {
		types = append(types, pageType)
	}
	sort.Strings(types)

	best, bestScore := "", -1.0
	for _, pageType := range types {
		if score := Jaccard(fp, candidates[pageType]); score > bestScore {
			best, bestScore = pageType, score
		}
	}
	return best, bestScore
}
