package commands

import (
	"fmt"

	"stockbot/internal/subscriber"
)

type textKey int

const (
	txtWelcome textKey = iota
	txtMemberOK
	txtNotMember
	txtNotRegistered
	txtLangUsage
	txtLangSet
	txtItemsUsage
	txtItemsSet
	txtItemsUnknown
	txtTokensUsage
	txtTokensSet
	txtProfile
	txtAll
	txtNone
	txtOn
	txtOff
	txtNever
)

var texts = map[subscriber.Locale]map[textKey]string{
	subscriber.LocaleRU: {
		txtWelcome:       "👋 Привет! Бот присылает уведомления о стоке и тотемах.\nЯзык: /lang ru|en\nПредметы: /items\nТотемы: /tokens\nПрофиль: /me",
		txtMemberOK:      "✅ Подписка активна.",
		txtNotMember:     "❗️ Чтобы получать уведомления, вступите в группу и отправьте /start ещё раз.",
		txtNotRegistered: "Сначала отправьте /start.",
		txtLangUsage:     "Использование: /lang ru|en",
		txtLangSet:       "Язык: русский.",
		txtItemsUsage:    "Использование: /items all | none | Предмет, Предмет\nСейчас: %s",
		txtItemsSet:      "Предметы: %s",
		txtItemsUnknown:  "Неизвестные предметы: %s",
		txtTokensUsage:   "Использование: /tokens free|paid|all on|off\nСейчас: бесплатные %s, платные %s",
		txtTokensSet:     "Тотемы: бесплатные %s, платные %s",
		txtProfile:       "ID: %d\nЯзык: %s\nВ группе: %s\nИсключение: %s\nПредметы: %s\nТотемы: бесплатные %s, платные %s\nПоследняя проверка: %s",
		txtAll:           "все",
		txtNone:          "нет",
		txtOn:            "вкл",
		txtOff:           "выкл",
		txtNever:         "никогда",
	},
	subscriber.LocaleEN: {
		txtWelcome:       "👋 Hi! This bot sends stock and totem notifications.\nLanguage: /lang ru|en\nItems: /items\nTotems: /tokens\nProfile: /me",
		txtMemberOK:      "✅ Subscription is active.",
		txtNotMember:     "❗️ Join the group and send /start again to receive notifications.",
		txtNotRegistered: "Send /start first.",
		txtLangUsage:     "Usage: /lang ru|en",
		txtLangSet:       "Language: English.",
		txtItemsUsage:    "Usage: /items all | none | Item, Item\nCurrent: %s",
		txtItemsSet:      "Items: %s",
		txtItemsUnknown:  "Unknown items: %s",
		txtTokensUsage:   "Usage: /tokens free|paid|all on|off\nCurrent: free %s, paid %s",
		txtTokensSet:     "Totems: free %s, paid %s",
		txtProfile:       "ID: %d\nLanguage: %s\nIn group: %s\nExempt: %s\nItems: %s\nTotems: free %s, paid %s\nLast check: %s",
		txtAll:           "all",
		txtNone:          "none",
		txtOn:            "on",
		txtOff:           "off",
		txtNever:         "never",
	},
}

func tr(loc subscriber.Locale, key textKey, args ...any) string {
	tab, ok := texts[loc]
	if !ok {
		tab = texts[subscriber.LocaleRU]
	}
	if len(args) == 0 {
		return tab[key]
	}
	return fmt.Sprintf(tab[key], args...)
}

func onOff(loc subscriber.Locale, v bool) string {
	if v {
		return tr(loc, txtOn)
	}
	return tr(loc, txtOff)
}
